package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/xiot/watch/internal/xiot/store"
)

var errBadPath = errors.New("path must end in .json and avoid . $ # [ ]")

// ── Paths ────────────────────────────────────────────────────────────────────

// trimJSON strips the .json suffix every data path carries.
func trimJSON(seg string) (string, error) {
	name, ok := strings.CutSuffix(seg, ".json")
	if !ok || !validSegment(name) {
		return "", errBadPath
	}
	return name, nil
}

func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".$#[]/")
}

// ── Queries ──────────────────────────────────────────────────────────────────

// queryFromURL reads the orderBy, startAt, endAt, equalTo and limitToFirst
// parameters. Values are JSON encoded (orderBy="mac", startAt=10,
// equalTo="AA:BB"); bare strings are accepted too. ok is false when no
// ordering was requested.
func queryFromURL(category string, v url.Values) (q store.Query, ok bool, err error) {
	q.Category = category

	hasFilter := v.Has("startAt") || v.Has("endAt") || v.Has("equalTo") || v.Has("limitToFirst")
	if !v.Has("orderBy") {
		if hasFilter {
			return q, false, fmt.Errorf("orderBy is required with startAt, endAt, equalTo or limitToFirst")
		}
		return q, false, nil
	}

	orderBy, ok := parseParam(v.Get("orderBy")).(string)
	if !ok || orderBy == "" {
		return q, false, fmt.Errorf("orderBy must be a field name")
	}
	q.OrderBy = orderBy

	if v.Has("startAt") {
		q.StartAt = parseParam(v.Get("startAt"))
	}
	if v.Has("endAt") {
		q.EndAt = parseParam(v.Get("endAt"))
	}
	if v.Has("equalTo") {
		q.EqualTo = parseParam(v.Get("equalTo"))
	}
	if v.Has("limitToFirst") {
		n, err := strconv.Atoi(v.Get("limitToFirst"))
		if err != nil || n <= 0 {
			return q, false, fmt.Errorf("limitToFirst must be a positive integer")
		}
		q.Limit = n
	}
	return q, true, nil
}

func parseParam(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return store.Normalize(v)
}

// ── Results ──────────────────────────────────────────────────────────────────

func recordsToObject(recs []store.Record) map[string]store.Fields {
	out := make(map[string]store.Fields, len(recs))
	for _, r := range recs {
		out[r.Key] = r.Fields
	}
	return out
}
