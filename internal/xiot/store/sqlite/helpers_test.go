package sqlite_test

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"

	"github.com/xiot/watch/internal/db"
	"github.com/xiot/watch/internal/xiot/store"
	sqlitestore "github.com/xiot/watch/internal/xiot/store/sqlite"
)

// openTestDB returns an in-memory SQLite connection with the production
// schema. The connection is closed automatically when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	name := "test_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := db.OpenMemory(context.Background(), name)
	if err != nil {
		t.Fatalf("openTestDB: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn. The worker is closed
// automatically when the test finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

type recordingSink struct {
	mu     sync.Mutex
	events []store.ChangeEvent
}

func (s *recordingSink) Publish(ev store.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) snapshot() []store.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ChangeEvent(nil), s.events...)
}

func newTestStore(t *testing.T) (*sqlitestore.RecordStore, *recordingSink, *sql.DB) {
	t.Helper()

	conn := openTestDB(t)
	sink := &recordingSink{}
	return sqlitestore.NewRecordStore(conn, newTestWriter(t, conn), sink), sink, conn
}
