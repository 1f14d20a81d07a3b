// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the exchange node.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "exchange.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Known peers table (libp2p peer directory)
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		last_connected INTEGER,
		connection_count INTEGER DEFAULT 0,
		is_bootstrap INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- =========================================================================
	-- Providers and Users
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		trust_score REAL NOT NULL DEFAULT 0.5,
		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_providers_peer ON providers(peer_id);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		role TEXT NOT NULL, -- seller, buyer, both
		balance INTEGER NOT NULL DEFAULT 0,
		trust_score REAL NOT NULL DEFAULT 0.5,
		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_users_peer ON users(peer_id);

	-- =========================================================================
	-- Items, Offers, and Blocks
	-- =========================================================================

	-- An item is a generation asset a provider lists (e.g. a rooftop array).
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		source_type TEXT NOT NULL, -- SOLAR, WIND, HYDRO, BIOMASS, GRID
		delivery_mode TEXT NOT NULL,
		capacity_kwh REAL NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,

		FOREIGN KEY (provider_id) REFERENCES providers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_items_provider ON items(provider_id);

	-- An offer is a seller's published intent to sell energy blocks at a price.
	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		pricing_model TEXT NOT NULL,
		price_per_kwh REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'active', -- active, withdrawn, exhausted
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,

		FOREIGN KEY (item_id) REFERENCES items(id)
	);

	CREATE INDEX IF NOT EXISTS idx_offers_item ON offers(item_id);
	CREATE INDEX IF NOT EXISTS idx_offers_seller ON offers(seller_id);
	CREATE INDEX IF NOT EXISTS idx_offers_status ON offers(status);

	-- A block is one hourly delivery slot of an offer's inventory.
	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL,
		delivery_hour_start INTEGER NOT NULL, -- unix ts, top of hour
		quantity_kwh REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'available', -- available, reserved, sold, expired
		reserved_by_order_id TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,

		FOREIGN KEY (offer_id) REFERENCES offers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_blocks_offer ON blocks(offer_id);
	CREATE INDEX IF NOT EXISTS idx_blocks_status ON blocks(status);
	CREATE INDEX IF NOT EXISTS idx_blocks_hour ON blocks(delivery_hour_start);

	-- =========================================================================
	-- Orders (trade protocol state machine)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		offer_id TEXT NOT NULL,
		block_ids TEXT NOT NULL, -- JSON array of block IDs
		quantity_kwh REAL NOT NULL,
		total_price REAL NOT NULL,
		settlement_type TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'DRAFT', -- DRAFT, PENDING, ACTIVE, COMPLETED, CANCELLED
		delivery_hour_start INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,
		completed_at INTEGER,
		cancel_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id);
	CREATE INDEX IF NOT EXISTS idx_orders_seller ON orders(seller_id);
	CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);
	CREATE INDEX IF NOT EXISTS idx_orders_delivery ON orders(delivery_hour_start);

	-- Append-only event log for order lifecycle transitions and protocol steps.
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_order ON events(order_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);

	-- =========================================================================
	-- Escrow, Transfers, and Payments
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS escrow_records (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		principal INTEGER NOT NULL, -- minor units
		fee INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'BLOCKED', -- BLOCKED, RELEASED, REFUNDED, EXPIRED
		bank_ref TEXT,
		expires_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_escrow_order ON escrow_records(order_id);
	CREATE INDEX IF NOT EXISTS idx_escrow_status ON escrow_records(status);
	CREATE INDEX IF NOT EXISTS idx_escrow_expires ON escrow_records(expires_at);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		escrow_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		to_user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		kind TEXT NOT NULL, -- settlement, refund, grid_makeup
		idempotency_key TEXT UNIQUE,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (order_id) REFERENCES orders(id),
		FOREIGN KEY (escrow_id) REFERENCES escrow_records(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_order ON transfers(order_id);

	CREATE TABLE IF NOT EXISTS payment_records (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		direction TEXT NOT NULL, -- debit, credit
		created_at INTEGER NOT NULL,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_payments_order ON payment_records(order_id);
	CREATE INDEX IF NOT EXISTS idx_payments_user ON payment_records(user_id);

	-- =========================================================================
	-- Delivery Feedback and Trust History
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS delivery_feedback (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE,
		outcome TEXT NOT NULL, -- FULL, PARTIAL, FAILED
		delivered_kwh REAL NOT NULL,
		expected_kwh REAL NOT NULL,
		ratio REAL NOT NULL,
		recorded_at INTEGER NOT NULL,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE TABLE IF NOT EXISTS trust_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		delta REAL NOT NULL,
		score_after REAL NOT NULL,
		reason TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trust_history_user ON trust_history(user_id);

	-- =========================================================================
	-- Agents and Proposals
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL, -- buyer, seller
		policy TEXT NOT NULL, -- auto_execute, human_approval
		enabled INTEGER NOT NULL DEFAULT 1,
		criteria TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT 'buy', -- buy, sell
		offer_id TEXT,
		block_ids TEXT,
		quantity_kwh REAL NOT NULL DEFAULT 0,
		price_per_kwh REAL NOT NULL DEFAULT 0,
		total_price REAL NOT NULL DEFAULT 0,
		rationale TEXT,
		status TEXT NOT NULL DEFAULT 'pending', -- pending, approved, rejected, expired, executed
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER,

		FOREIGN KEY (agent_id) REFERENCES agents(id)
	);

	CREATE INDEX IF NOT EXISTS idx_proposals_agent ON proposals(agent_id);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);

	-- =========================================================================
	-- Generic Key-Value Store (transaction-state cache, idempotency cache)
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS kv_store (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (namespace, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_store(expires_at);

	-- =========================================================================
	-- Distributed Locks
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);

	-- =========================================================================
	-- P2P Message Queue (for reliable direct messaging)
	-- =========================================================================

	-- Outbound message queue (pending delivery with retry)
	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID for deduplication
		order_id TEXT NOT NULL,               -- Associated trade order
		peer_id TEXT NOT NULL,                -- Target peer
		message_type TEXT NOT NULL,           -- discover, select, init, confirm, status, ack
		payload BLOB NOT NULL,                -- Full message JSON
		sequence_num INTEGER NOT NULL,        -- Per-order sequence number

		deadline INTEGER NOT NULL,            -- Unix timestamp after which retry stops

		created_at INTEGER NOT NULL,          -- When message was queued
		retry_count INTEGER DEFAULT 0,        -- Number of send attempts
		last_attempt_at INTEGER,              -- Last send attempt timestamp
		next_retry_at INTEGER NOT NULL,       -- When to retry next

		acked_at INTEGER,                     -- When ACK received (NULL until ACKed)
		status TEXT DEFAULT 'pending',        -- pending, sent, acked, failed, expired
		error_message TEXT                    -- Error if failed
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON message_outbox(status, next_retry_at)
		WHERE status = 'pending' OR status = 'sent';
	CREATE INDEX IF NOT EXISTS idx_outbox_order ON message_outbox(order_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON message_outbox(peer_id, status);
	CREATE INDEX IF NOT EXISTS idx_outbox_message ON message_outbox(message_id);

	-- Inbound message log (for deduplication/idempotency)
	CREATE TABLE IF NOT EXISTS message_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID from sender (for dedup)
		order_id TEXT NOT NULL,               -- Associated trade order
		peer_id TEXT NOT NULL,                -- Sender peer ID
		message_type TEXT NOT NULL,           -- Message type
		sequence_num INTEGER NOT NULL,        -- Sequence number from sender

		received_at INTEGER NOT NULL,         -- When received
		processed_at INTEGER,                 -- When handler completed (NULL until done)
		ack_sent INTEGER DEFAULT 0            -- Whether ACK was sent
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_message ON message_inbox(message_id);
	CREATE INDEX IF NOT EXISTS idx_inbox_order ON message_inbox(order_id, sequence_num);
	CREATE INDEX IF NOT EXISTS idx_inbox_peer ON message_inbox(peer_id);

	-- Sequence number tracking per order (for ordering)
	CREATE TABLE IF NOT EXISTS message_sequences (
		order_id TEXT PRIMARY KEY,
		local_seq INTEGER DEFAULT 0,          -- Our next outbound sequence number
		remote_seq INTEGER DEFAULT 0,         -- Last received inbound sequence number
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
