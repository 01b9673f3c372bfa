package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	dbpkg "github.com/xiot/watch/internal/db"
	"github.com/xiot/watch/internal/xiot/store"
)

var fieldName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// RecordStore keeps records as JSON documents in the records table. Reads go
// straight to the pool; writes are serialized through the Worker and
// published to the sink after commit.
type RecordStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	sink   store.ChangeSink
}

func NewRecordStore(db *sql.DB, writer *dbpkg.Worker, sink store.ChangeSink) *RecordStore {
	return &RecordStore{db: db, writer: writer, sink: sink}
}

func (s *RecordStore) Get(ctx context.Context, category, key string) (store.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT fields FROM records WHERE category = ? AND key = ?;
`, category, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("Get %s: %w", store.Path(category, key), err)
	}
	f, err := decodeFields(raw)
	if err != nil {
		return store.Record{}, fmt.Errorf("Get %s: %w", store.Path(category, key), err)
	}
	return store.Record{Category: category, Key: key, Fields: f}, nil
}

func (s *RecordStore) Set(ctx context.Context, category, key string, fields store.Fields) error {
	if fields == nil {
		fields = store.Fields{}
	}
	return s.Update(ctx, category, map[string]store.Fields{key: fields})
}

func (s *RecordStore) Merge(ctx context.Context, category, key string, fields store.Fields) error {
	var ev store.ChangeEvent
	var changed bool

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		before, err := readTx(ctx, tx, category, key)
		if err != nil {
			return err
		}
		after := store.Clone(before)
		if after == nil {
			after = store.Fields{}
		}
		for k, v := range fields {
			if v == nil {
				delete(after, k)
				continue
			}
			after[k] = store.Normalize(v)
		}
		if err := writeTx(ctx, tx, category, key, after); err != nil {
			return err
		}
		ev, changed = store.Changes(category, key, before, emptyToNil(after))
		return nil
	})
	if err != nil {
		return fmt.Errorf("Merge %s: %w", store.Path(category, key), err)
	}
	if changed {
		s.publish(ev)
	}
	return nil
}

func (s *RecordStore) Push(ctx context.Context, category string, fields store.Fields) (string, error) {
	key, err := store.NewKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, category, key, fields); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RecordStore) Delete(ctx context.Context, category, key string) error {
	return s.Update(ctx, category, map[string]store.Fields{key: nil})
}

func (s *RecordStore) Update(ctx context.Context, category string, updates map[string]store.Fields) error {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var events []store.ChangeEvent
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		events = events[:0]
		for _, key := range keys {
			before, err := readTx(ctx, tx, category, key)
			if err != nil {
				return err
			}
			after := store.NormalizeFields(updates[key])
			if err := writeTx(ctx, tx, category, key, after); err != nil {
				return err
			}
			if ev, ok := store.Changes(category, key, before, emptyToNil(after)); ok {
				events = append(events, ev)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("Update %s (%d keys): %w", category, len(keys), err)
	}
	for _, ev := range events {
		s.publish(ev)
	}
	return nil
}

func (s *RecordStore) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	if !fieldName.MatchString(q.OrderBy) {
		return nil, fmt.Errorf("Query %s by %q: %w", q.Category, q.OrderBy, store.ErrInvalidField)
	}
	// The path is inlined so the expression matches the json_extract
	// indexes in the schema.
	expr := fmt.Sprintf("json_extract(fields, '$.%s')", q.OrderBy)

	var sb strings.Builder
	args := []any{q.Category}
	fmt.Fprintf(&sb, "SELECT key, fields FROM records WHERE category = ? AND %s IS NOT NULL", expr)
	if q.EqualTo != nil {
		fmt.Fprintf(&sb, " AND %s = ?", expr)
		args = append(args, bindValue(q.EqualTo))
	}
	if q.StartAt != nil {
		fmt.Fprintf(&sb, " AND %s >= ?", expr)
		args = append(args, bindValue(q.StartAt))
	}
	if q.EndAt != nil {
		fmt.Fprintf(&sb, " AND %s <= ?", expr)
		args = append(args, bindValue(q.EndAt))
	}
	fmt.Fprintf(&sb, " ORDER BY %s, key", expr)
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("Query %s by %s: %w", q.Category, q.OrderBy, err)
	}
	return scanRecords(rows, q.Category)
}

func (s *RecordStore) List(ctx context.Context, category string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, fields FROM records WHERE category = ? ORDER BY key;
`, category)
	if err != nil {
		return nil, fmt.Errorf("List %s: %w", category, err)
	}
	return scanRecords(rows, category)
}

func (s *RecordStore) publish(ev store.ChangeEvent) {
	if s.sink != nil {
		s.sink.Publish(ev)
	}
}

func scanRecords(rows *sql.Rows, category string) ([]store.Record, error) {
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", category, err)
		}
		f, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", store.Path(category, key), err)
		}
		out = append(out, store.Record{Category: category, Key: key, Fields: f})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows %s: %w", category, err)
	}
	return out, nil
}

// readTx returns the current fields of a record, or nil when absent.
func readTx(ctx context.Context, tx *sql.Tx, category, key string) (store.Fields, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `
SELECT fields FROM records WHERE category = ? AND key = ?;
`, category, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", store.Path(category, key), err)
	}
	return decodeFields(raw)
}

// writeTx upserts the record, or deletes it when f is empty.
func writeTx(ctx context.Context, tx *sql.Tx, category, key string, f store.Fields) error {
	if len(f) == 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM records WHERE category = ? AND key = ?;
`, category, key); err != nil {
			return fmt.Errorf("delete %s: %w", store.Path(category, key), err)
		}
		return nil
	}

	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", store.Path(category, key), err)
	}
	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO records(category, key, fields, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(category, key) DO UPDATE SET
  fields = excluded.fields,
  updated_at_ms = excluded.updated_at_ms;
`, category, key, string(body), nowMs, nowMs); err != nil {
		return fmt.Errorf("write %s: %w", store.Path(category, key), err)
	}
	return nil
}

func decodeFields(raw string) (store.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return store.NormalizeFields(store.Fields(m)), nil
}

func bindValue(v any) any {
	switch x := store.Normalize(v).(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	default:
		return x
	}
}

func emptyToNil(f store.Fields) store.Fields {
	if len(f) == 0 {
		return nil
	}
	return f
}
