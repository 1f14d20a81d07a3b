// Package idempotency guards request-handling endpoints against duplicate
// execution, the way the teacher's message outbox/inbox dedup guards P2P
// delivery against duplicate processing. It is keyed on (endpoint, key) and
// backed by internal/kv, so a crash between "processing" and "stored" is
// recoverable rather than silently re-executing a side effect.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/kv"
)

// Status is the state of a cached request outcome.
type Status string

const (
	// StatusAbsent means no record exists for this key: the caller should
	// proceed to execute the request.
	StatusAbsent Status = "absent"
	// StatusProcessing means another caller claimed this key and has not
	// yet stored a result: the caller should treat this as in-flight.
	StatusProcessing Status = "processing"
	// StatusStored means a result was already recorded: the caller should
	// return the stored response instead of re-executing.
	StatusStored Status = "stored"
)

const namespace = "idempotency"

type record struct {
	Status       Status `json:"status"`
	ResponseJSON string `json:"response_json,omitempty"`
}

// Cache provides Begin/Complete/Lookup around a kv.Store.
type Cache struct {
	store *kv.Store
	cfg   config.IdempotencyConfig
}

// New creates a Cache using cfg's response TTL.
func New(store *kv.Store, cfg config.IdempotencyConfig) *Cache {
	return &Cache{store: store, cfg: cfg}
}

func cacheKey(endpoint, key string) string {
	return fmt.Sprintf("%s:%s", endpoint, key)
}

// Lookup reports the current status for (endpoint, key), decoding the stored
// response into response when Status is StatusStored and response != nil.
func (c *Cache) Lookup(endpoint, key string, response interface{}) (Status, error) {
	raw, err := c.store.Get(namespace, cacheKey(endpoint, key))
	if errors.Is(err, kv.ErrNotFound) {
		return StatusAbsent, nil
	}
	if err != nil {
		return "", fmt.Errorf("idempotency: lookup failed: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("idempotency: corrupt record for %s/%s: %w", endpoint, key, err)
	}

	if rec.Status == StatusStored && response != nil && rec.ResponseJSON != "" {
		if err := json.Unmarshal([]byte(rec.ResponseJSON), response); err != nil {
			return "", fmt.Errorf("idempotency: failed to decode stored response: %w", err)
		}
	}
	return rec.Status, nil
}

// Begin claims (endpoint, key) for processing. claimed is false if another
// caller already holds or completed this key, in which case the caller
// should defer to Lookup rather than execute the request.
func (c *Cache) Begin(endpoint, key string) (claimed bool, err error) {
	rec := record{Status: StatusProcessing}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("idempotency: failed to marshal claim record: %w", err)
	}

	ok, err := c.store.SetIfAbsent(namespace, cacheKey(endpoint, key), raw, c.cfg.ResponseTTL)
	if err != nil {
		return false, fmt.Errorf("idempotency: begin failed: %w", err)
	}
	return ok, nil
}

// Complete stores the final response for (endpoint, key), transitioning it
// from StatusProcessing to StatusStored.
func (c *Cache) Complete(endpoint, key string, response interface{}) error {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("idempotency: failed to marshal response: %w", err)
	}

	rec := record{Status: StatusStored, ResponseJSON: string(responseJSON)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: failed to marshal record: %w", err)
	}

	if err := c.store.Set(namespace, cacheKey(endpoint, key), raw, c.cfg.ResponseTTL); err != nil {
		return fmt.Errorf("idempotency: complete failed: %w", err)
	}
	return nil
}

// Abandon clears a claim, e.g. after the guarded operation failed outright
// and a future retry should be allowed to execute from scratch.
func (c *Cache) Abandon(endpoint, key string) error {
	if err := c.store.Delete(namespace, cacheKey(endpoint, key)); err != nil {
		return fmt.Errorf("idempotency: abandon failed: %w", err)
	}
	return nil
}
