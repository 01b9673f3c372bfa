package store_test

import (
	"encoding/json"
	"testing"

	"github.com/xiot/watch/internal/xiot/store"
)

// ── Normalize / Compare ──────────────────────────────────────────────────────

func TestNormalize_IntegralNumbersBecomeInt64(t *testing.T) {
	cases := []any{int(7), float64(7), json.Number("7"), int32(7)}
	for _, c := range cases {
		if got := store.Normalize(c); got != int64(7) {
			t.Errorf("Normalize(%#v) = %#v, want int64(7)", c, got)
		}
	}
	if got := store.Normalize(1.5); got != 1.5 {
		t.Errorf("Normalize(1.5) = %#v", got)
	}
}

func TestCompare_KindOrder(t *testing.T) {
	ordered := []any{nil, false, true, int64(-3), 2.5, int64(10), "", "A", "a", store.Fields{}}
	for i := 0; i+1 < len(ordered); i++ {
		if c := store.Compare(ordered[i], ordered[i+1]); c >= 0 {
			t.Errorf("Compare(%#v, %#v) = %d, want < 0", ordered[i], ordered[i+1], c)
		}
	}
}

func TestCompare_StringsAreLexical(t *testing.T) {
	// Byte-wise order: "10" sorts before "9".
	if store.Compare("10", "9") >= 0 {
		t.Error("expected \"10\" < \"9\" for strings")
	}
	if store.Compare(int64(10), int64(9)) <= 0 {
		t.Error("expected 10 > 9 for numbers")
	}
}

// ── Select ───────────────────────────────────────────────────────────────────

func records() []store.Record {
	return []store.Record{
		{Category: "ping", Key: "k1", Fields: store.Fields{"mac": "AA", "gcp_timestamp": int64(300)}},
		{Category: "ping", Key: "k2", Fields: store.Fields{"mac": "BB", "gcp_timestamp": int64(100)}},
		{Category: "ping", Key: "k3", Fields: store.Fields{"mac": "AA", "gcp_timestamp": int64(200)}},
		{Category: "ping", Key: "k4", Fields: store.Fields{"mac": "AA"}},
		{Category: "ping", Key: "k5", Fields: store.Fields{"mac": "CC", "gcp_timestamp": int64(200)}},
	}
}

func keys(recs []store.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}

func equalKeys(t *testing.T, got []store.Record, want ...string) {
	t.Helper()
	gk := keys(got)
	if len(gk) != len(want) {
		t.Fatalf("keys = %v, want %v", gk, want)
	}
	for i := range want {
		if gk[i] != want[i] {
			t.Fatalf("keys = %v, want %v", gk, want)
		}
	}
}

func TestSelect_OrdersByFieldThenKey(t *testing.T) {
	got := store.Select(store.Query{OrderBy: "gcp_timestamp"}, records())
	// k4 has no timestamp and is excluded; k3 and k5 tie on 200.
	equalKeys(t, got, "k2", "k3", "k5", "k1")
}

func TestSelect_InclusiveBoundsAndLimit(t *testing.T) {
	got := store.Select(store.Query{OrderBy: "gcp_timestamp", StartAt: 100, EndAt: 200}, records())
	equalKeys(t, got, "k2", "k3", "k5")

	got = store.Select(store.Query{OrderBy: "gcp_timestamp", EndAt: 200, Limit: 2}, records())
	equalKeys(t, got, "k2", "k3")
}

func TestSelect_EqualTo(t *testing.T) {
	got := store.Select(store.Query{OrderBy: "mac", EqualTo: "AA"}, records())
	equalKeys(t, got, "k1", "k3", "k4")
}

// ── Changes ──────────────────────────────────────────────────────────────────

func TestChanges_Kinds(t *testing.T) {
	a := store.Fields{"mac": "AA"}
	b := store.Fields{"mac": "AA", "gcp_timestamp": int64(1)}

	if ev, ok := store.Changes("ping", "k", nil, a); !ok || ev.Kind != store.Created {
		t.Errorf("nil→a: got %v ok=%v, want create", ev.Kind, ok)
	}
	if ev, ok := store.Changes("ping", "k", a, b); !ok || ev.Kind != store.Updated {
		t.Errorf("a→b: got %v ok=%v, want update", ev.Kind, ok)
	}
	if ev, ok := store.Changes("ping", "k", b, nil); !ok || ev.Kind != store.Deleted {
		t.Errorf("b→nil: got %v ok=%v, want delete", ev.Kind, ok)
	}
	if _, ok := store.Changes("ping", "k", a, store.Fields{"mac": "AA"}); ok {
		t.Error("identical write should not produce an event")
	}
	if ev, _ := store.Changes("ping", "k", nil, a); ev.Path() != "/ping/k" {
		t.Errorf("path = %q", ev.Path())
	}
}

// ── Fields accessors ─────────────────────────────────────────────────────────

func TestFields_Accessors(t *testing.T) {
	f := store.Fields{"mac": "AA", "ts": float64(12), "n": nil}
	if f.String("mac") != "AA" || f.String("ts") != "" {
		t.Error("String accessor mismatch")
	}
	if n, ok := f.Int64("ts"); !ok || n != 12 {
		t.Errorf("Int64(ts) = %d, %v", n, ok)
	}
	if f.Has("n") || !f.Has("mac") {
		t.Error("Has should ignore null values")
	}
}

func TestNewKey_TimeOrdered(t *testing.T) {
	a, err := store.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	if a >= b {
		t.Errorf("expected %s < %s", a, b)
	}
}
