// Package agent implements the optional autonomous-trading runtime: a tick
// loop per enabled agent that gathers market state, generates proposals,
// and either auto-executes them through the buyer-side coordinator or
// leaves them pending for human approval. It is grounded on the same
// "poll on a ticker, isolate one item's failure from the rest of the batch"
// shape internal/verifier takes from the teacher's retry worker, and on the
// teacher's optional-feature gating pattern — a component that only runs
// when explicitly turned on, the way the teacher's DHT/mDNS discovery are
// each individually toggleable.
package agent

import (
	"context"
	"time"

	"github.com/kkorel/energy-exchange/internal/clockutil"
	"github.com/kkorel/energy-exchange/internal/config"
	"github.com/kkorel/energy-exchange/internal/protocol"
	"github.com/kkorel/energy-exchange/internal/storage"
	"github.com/kkorel/energy-exchange/pkg/logging"
)

// Runtime drives the tick loop for every enabled agent.
type Runtime struct {
	store       *storage.Storage
	coordinator *protocol.Coordinator
	cfg         *config.ExchangeConfig
	clock       clockutil.Clock
	log         *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Runtime. coordinator is the same protocol.Coordinator the
// node's message handlers use — an agent's auto-executed trades are
// ordinary protocol transactions, just originated internally instead of
// over the wire.
func New(store *storage.Storage, coordinator *protocol.Coordinator, cfg *config.ExchangeConfig, log *logging.Logger) *Runtime {
	if log == nil {
		log = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		store:       store,
		coordinator: coordinator,
		cfg:         cfg,
		clock:       clockutil.Real{},
		log:         log.Component("agent"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// WithClock overrides the runtime's time source, for deterministic tests.
func (r *Runtime) WithClock(c clockutil.Clock) *Runtime {
	r.clock = c
	return r
}

// Start runs the tick loop in a background goroutine. A no-op if no agent
// is ever enabled; the loop still ticks, it just finds nothing to do.
func (r *Runtime) Start() {
	go r.run()
	r.log.Info("agent runtime started", "tick_interval", r.cfg.Agent.TickInterval)
}

// Stop halts the tick loop.
func (r *Runtime) Stop() {
	r.cancel()
	r.log.Info("agent runtime stopped")
}

func (r *Runtime) run() {
	ticker := time.NewTicker(r.cfg.Agent.TickInterval)
	defer ticker.Stop()

	r.RunOnce()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce executes one tick: expire stale pending proposals, then run every
// enabled agent's decision cycle. Exported so the CLI's run-scenarios
// command can drive a tick synchronously.
func (r *Runtime) RunOnce() {
	if expired, err := r.expireStaleProposals(); err != nil {
		r.log.Warn("proposal expiry sweep failed", "err", err)
	} else if expired > 0 {
		r.log.Info("expired stale proposals", "count", expired)
	}

	agents, err := r.store.ListEnabledAgents()
	if err != nil {
		r.log.Error("failed to list enabled agents", "err", err)
		return
	}

	for _, a := range agents {
		// One agent's failure must not abort the batch: log and continue.
		if err := r.tick(a); err != nil {
			r.log.Error("agent tick failed", "agent_id", a.ID, "err", err)
		}
	}
}

func (r *Runtime) expireStaleProposals() (int, error) {
	pending, err := r.store.ListAllPendingProposals()
	if err != nil {
		return 0, err
	}
	now := r.clock.Now()
	expired := 0
	for _, p := range pending {
		if now.Before(p.ExpiresAt) {
			continue
		}
		if err := r.store.UpdateProposalStatus(p.ID, storage.ProposalStatusExpired); err != nil {
			r.log.Warn("failed to expire proposal", "proposal_id", p.ID, "err", err)
			continue
		}
		r.log.Info("proposal expired", "proposal_id", p.ID, "agent_id", p.AgentID)
		expired++
	}
	return expired, nil
}

// tick runs one agent's analyze -> propose -> gate -> (execute | hold)
// cycle. Every step is logged per §4.11's "all agent activity is logged"
// requirement.
func (r *Runtime) tick(a *storage.Agent) error {
	proposal, err := r.analyze(a)
	if err != nil {
		return err
	}
	if proposal == nil {
		return nil
	}

	if err := r.store.CreateProposal(proposal); err != nil {
		return err
	}
	r.log.Info("proposal generated", "agent_id", a.ID, "proposal_id", proposal.ID,
		"action", proposal.Action, "offer_id", proposal.OfferID, "total_price", proposal.TotalPrice)

	if a.Policy != storage.AgentPolicyAutoExecute {
		r.log.Debug("proposal awaiting human approval", "proposal_id", proposal.ID, "agent_id", a.ID)
		return nil
	}

	reason, ok := r.passesPolicy(a, proposal)
	if !ok {
		r.log.Info("proposal held for approval: policy gate failed", "proposal_id", proposal.ID, "agent_id", a.ID, "reason", reason)
		return nil
	}

	return r.Execute(a, proposal)
}
