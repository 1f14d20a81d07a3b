// Package cli wires the exchange's core services into the handful of
// operational commands named in §6's CLI surface (place-trade, verify-trade,
// reconcile-expired, run-scenarios) and renders their results as the same
// envelope shape the teacher's rpc.Response/rpc.Error gives its JSON-RPC
// callers, minus the jsonrpc/id framing a one-shot CLI invocation has no use
// for.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/kkorel/energy-exchange/internal/agent"
	"github.com/kkorel/energy-exchange/internal/bank"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/escrow"
	"github.com/kkorel/energy-exchange/internal/inventory"
	"github.com/kkorel/energy-exchange/internal/kv"
	"github.com/kkorel/energy-exchange/internal/lock"
	"github.com/kkorel/energy-exchange/internal/oracle"
	"github.com/kkorel/energy-exchange/internal/protocol"
	"github.com/kkorel/energy-exchange/internal/storage"
	"github.com/kkorel/energy-exchange/internal/verifier"
	"github.com/kkorel/energy-exchange/pkg/logging"
)

// Response is a command result, marshalled as the sole JSON document
// written to stdout.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

// Error carries a failed command's message, mirroring the teacher's
// rpc.Error shape without the JSON-RPC error-code taxonomy a local CLI has
// no caller to interpret.
type Error struct {
	Message string `json:"message"`
}

// Emit writes result (or err, if non-nil) to w as a single JSON document.
func Emit(w io.Writer, result interface{}, err error) error {
	resp := Response{Result: result}
	if err != nil {
		resp.Error = &Error{Message: err.Error()}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// App bundles the core services a command needs, built once from a data
// directory the way the teacher's main.go builds its node/wallet/swap
// stack once per process.
type App struct {
	Store       *storage.Storage
	Locks       *lock.Service
	KV          *kv.Store
	Rail        *bank.Rail
	Cfg         *config.ExchangeConfig
	Coordinator *protocol.Coordinator
	Inventory   *inventory.Coordinator
	EscrowOrch  *escrow.Orchestrator
	Verifier    *verifier.Verifier
	Agent       *agent.Runtime
	Log         *logging.Logger
}

// NewApp opens storage at dataDir and wires every core service against it.
// It funds no accounts itself: a closed-loop simulation has no external
// payment gateway to fund accounts from, so place-trade's ensureBuyer seeds
// a first-seen buyer the way the teacher's wallet.Service auto-derives a
// first-seen address.
func NewApp(dataDir string, selfID string, log *logging.Logger) (*App, error) {
	if log == nil {
		log = logging.Default()
	}

	store, err := storage.New(&storage.Config{DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("cli: failed to open storage: %w", err)
	}

	cfg := config.NewExchangeConfig()
	locks := lock.New(store.DB(), cfg.Lock)
	kvStore := kv.New(store.DB())
	rail := bank.New()
	coordinator := protocol.New(store, locks, rail, kvStore, cfg, selfID, log)
	inv := inventory.New(store, locks)
	escrowOrch := escrow.New(store, rail, locks, cfg, log)
	v := verifier.New(store, locks, rail, oracle.NewMock(cfg.Oracle), cfg, log)
	a := agent.New(store, coordinator, cfg, log)

	return &App{
		Store:       store,
		Locks:       locks,
		KV:          kvStore,
		Rail:        rail,
		Cfg:         cfg,
		Coordinator: coordinator,
		Inventory:   inv,
		EscrowOrch:  escrowOrch,
		Verifier:    v,
		Agent:       a,
		Log:         log,
	}, nil
}

// Close releases the app's storage handle.
func (a *App) Close() error {
	return a.Store.Close()
}

// ensureBuyer seeds a never-before-seen buyer with startingBalance so
// place-trade has funds to work with outside of a pre-provisioned demo.
func (a *App) ensureBuyer(ctx context.Context, buyerID string, startingBalance int64) error {
	_, err := a.Store.GetUser(buyerID)
	if err == nil {
		return nil
	}
	if err != storage.ErrUserNotFound {
		return err
	}
	if err := a.Store.CreateUser(&storage.User{
		ID:         buyerID,
		PeerID:     "peer-" + buyerID,
		Role:       storage.UserRoleBuyer,
		Balance:    startingBalance,
		TrustScore: 0.5,
		CreatedAt:  time.Now(),
	}); err != nil {
		return err
	}
	a.Rail.Seed(buyerID, startingBalance)
	return nil
}
