package kv

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kkorel/energy-exchange/internal/clockutil"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "kv.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE kv_store (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.RemoveAll(dir)
	})
	return db
}

func TestSetGet(t *testing.T) {
	store := New(setupTestDB(t))

	if err := store.Set("txn", "order-1", []byte("active"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get("txn", "order-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "active" {
		t.Errorf("expected 'active', got %q", got)
	}
}

func TestGetNotFound(t *testing.T) {
	store := New(setupTestDB(t))

	_, err := store.Get("txn", "missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetIfAbsent(t *testing.T) {
	store := New(setupTestDB(t))

	ok, err := store.SetIfAbsent("idem", "key-1", []byte("first"), time.Hour)
	if err != nil {
		t.Fatalf("SetIfAbsent() error = %v", err)
	}
	if !ok {
		t.Fatal("expected first SetIfAbsent to succeed")
	}

	ok, err = store.SetIfAbsent("idem", "key-1", []byte("second"), time.Hour)
	if err != nil {
		t.Fatalf("SetIfAbsent() error = %v", err)
	}
	if ok {
		t.Fatal("expected second SetIfAbsent to be rejected")
	}

	got, err := store.Get("idem", "key-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "first" {
		t.Errorf("expected original value retained, got %q", got)
	}
}

func TestExpiry(t *testing.T) {
	clock := clockutil.NewFixed(time.Unix(1000, 0))
	store := New(setupTestDB(t)).WithClock(clock)

	if err := store.Set("cache", "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	clock.Advance(2 * time.Minute)

	_, err := store.Get("cache", "k")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	clock := clockutil.NewFixed(time.Unix(1000, 0))
	store := New(setupTestDB(t)).WithClock(clock)

	if err := store.Set("cache", "k1", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Set("cache", "k2", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	clock.Advance(2 * time.Minute)

	count, err := store.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if count != 1 {
		t.Errorf("expected to sweep 1 entry, got %d", count)
	}

	if _, err := store.Get("cache", "k2"); err != nil {
		t.Errorf("expected non-expiring entry to survive sweep, got %v", err)
	}
}
