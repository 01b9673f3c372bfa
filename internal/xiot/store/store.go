package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrInvalidField is returned for OrderBy names a backend cannot query
	// and for field names a backend reserves.
	ErrInvalidField = errors.New("invalid field name")
)

// Fields is the JSON-like body of a record: strings, int64/float64 numbers,
// bools, nested maps and lists.
type Fields map[string]any

// Record is one child of a category.
type Record struct {
	Category string
	Key      string
	Fields   Fields
}

// Path returns the record location as /{category}/{key}.
func (r Record) Path() string { return Path(r.Category, r.Key) }

func Path(category, key string) string { return "/" + category + "/" + key }

// Query selects the children of a category ordered by one of their fields.
// StartAt, EndAt and EqualTo are inclusive bounds; nil leaves a side open.
// Limit 0 means unbounded.
type Query struct {
	Category string
	OrderBy  string
	StartAt  any
	EndAt    any
	EqualTo  any
	Limit    int
}

// Store is the narrow view of the hierarchical key-value database that the
// functions need: point reads and writes, ordered range reads, and
// multi-path updates.
type Store interface {
	Get(ctx context.Context, category, key string) (Record, error)
	Set(ctx context.Context, category, key string, fields Fields) error
	Merge(ctx context.Context, category, key string, fields Fields) error
	Push(ctx context.Context, category string, fields Fields) (string, error)
	Delete(ctx context.Context, category, key string) error
	Query(ctx context.Context, q Query) ([]Record, error)
	List(ctx context.Context, category string) ([]Record, error)

	// Update applies every entry of updates to the category in one write.
	// A nil Fields value removes that key.
	Update(ctx context.Context, category string, updates map[string]Fields) error
}

// NewKey returns a time-ordered key for Push. UUIDv7 strings sort by
// creation time, like the push IDs devices are used to.
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
