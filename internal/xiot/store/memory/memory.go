package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/xiot/watch/internal/xiot/store"
)

// Store keeps every category in process memory. It is intended for tests
// and the dev server; all methods are safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]store.Fields
	sink store.ChangeSink
}

type Option func(*Store)

// WithSink publishes every committed change to sink.
func WithSink(sink store.ChangeSink) Option {
	return func(s *Store) { s.sink = sink }
}

func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]map[string]store.Fields),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, category, key string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.data[category][key]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return store.Record{Category: category, Key: key, Fields: store.Clone(f)}, nil
}

func (s *Store) Set(ctx context.Context, category, key string, fields store.Fields) error {
	return s.Update(ctx, category, map[string]store.Fields{key: nonNil(fields)})
}

func (s *Store) Merge(_ context.Context, category, key string, fields store.Fields) error {
	s.mu.Lock()
	before := s.data[category][key]
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
	if len(after) == 0 {
		after = nil
	}
	s.put(category, key, after)
	s.mu.Unlock()

	s.publish(category, key, before, after)
	return nil
}

func (s *Store) Push(ctx context.Context, category string, fields store.Fields) (string, error) {
	key, err := store.NewKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, category, key, fields); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Delete(ctx context.Context, category, key string) error {
	return s.Update(ctx, category, map[string]store.Fields{key: nil})
}

func (s *Store) Update(_ context.Context, category string, updates map[string]store.Fields) error {
	type change struct {
		key           string
		before, after store.Fields
	}

	s.mu.Lock()
	changes := make([]change, 0, len(updates))
	for key, fields := range updates {
		before := s.data[category][key]
		after := store.NormalizeFields(fields)
		if len(after) == 0 {
			after = nil
		}
		s.put(category, key, after)
		changes = append(changes, change{key: key, before: before, after: after})
	}
	s.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].key < changes[j].key })
	for _, c := range changes {
		s.publish(category, c.key, c.before, c.after)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	recs, err := s.List(ctx, q.Category)
	if err != nil {
		return nil, err
	}
	return store.Select(q, recs), nil
}

func (s *Store) List(_ context.Context, category string) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Record, 0, len(s.data[category]))
	for k, f := range s.data[category] {
		out = append(out, store.Record{Category: category, Key: k, Fields: store.Clone(f)})
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// put must be called with mu held.
func (s *Store) put(category, key string, f store.Fields) {
	if f == nil {
		delete(s.data[category], key)
		return
	}
	c, ok := s.data[category]
	if !ok {
		c = make(map[string]store.Fields)
		s.data[category] = c
	}
	c[key] = f
}

func (s *Store) publish(category, key string, before, after store.Fields) {
	if s.sink == nil {
		return
	}
	if ev, ok := store.Changes(category, key, store.Clone(before), store.Clone(after)); ok {
		s.sink.Publish(ev)
	}
}

func nonNil(f store.Fields) store.Fields {
	if f == nil {
		return store.Fields{}
	}
	return f
}
