package idempotency

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/kv"
)

func setupTestCache(t *testing.T) *Cache {
	t.Helper()

	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "idem.db"))
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

	return New(kv.New(db), config.IdempotencyConfig{ResponseTTL: time.Hour})
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
}

func TestLookupAbsent(t *testing.T) {
	cache := setupTestCache(t)

	status, err := cache.Lookup("place_order", "key-1", nil)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if status != StatusAbsent {
		t.Errorf("expected StatusAbsent, got %v", status)
	}
}

func TestBeginCompleteLookup(t *testing.T) {
	cache := setupTestCache(t)

	claimed, err := cache.Begin("place_order", "key-1")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !claimed {
		t.Fatal("expected first Begin to claim the key")
	}

	status, err := cache.Lookup("place_order", "key-1", nil)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if status != StatusProcessing {
		t.Errorf("expected StatusProcessing, got %v", status)
	}

	if err := cache.Complete("place_order", "key-1", placeOrderResponse{OrderID: "order-9"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	var resp placeOrderResponse
	status, err = cache.Lookup("place_order", "key-1", &resp)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if status != StatusStored {
		t.Errorf("expected StatusStored, got %v", status)
	}
	if resp.OrderID != "order-9" {
		t.Errorf("expected decoded response order-9, got %q", resp.OrderID)
	}
}

func TestBeginRejectsSecondClaim(t *testing.T) {
	cache := setupTestCache(t)

	if _, err := cache.Begin("place_order", "key-1"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	claimed, err := cache.Begin("place_order", "key-1")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if claimed {
		t.Fatal("expected second Begin to be rejected")
	}
}

func TestAbandonAllowsRetry(t *testing.T) {
	cache := setupTestCache(t)

	if _, err := cache.Begin("place_order", "key-1"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := cache.Abandon("place_order", "key-1"); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}

	claimed, err := cache.Begin("place_order", "key-1")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !claimed {
		t.Fatal("expected Begin to succeed again after Abandon")
	}
}

func TestDifferentEndpointsAreIndependent(t *testing.T) {
	cache := setupTestCache(t)

	if _, err := cache.Begin("place_order", "key-1"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	claimed, err := cache.Begin("cancel_order", "key-1")
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if !claimed {
		t.Fatal("expected same key under a different endpoint to be independent")
	}
}
