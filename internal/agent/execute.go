package agent

import (
	"fmt"

	"github.com/kkorel/energy-exchange/internal/protocol"
	"github.com/kkorel/energy-exchange/internal/storage"
)

// Execute drives a proposal's trade to completion — for a buy proposal,
// by replaying the same select/init/confirm handshake a protocol message
// would, against the transaction the analyze step already opened with
// Discover; for a sell proposal, by repricing the offer directly. Called
// automatically for an auto_execute agent whose proposal clears the policy
// gate, or by Approve for a human_approval agent whose proposal was
// approved.
func (r *Runtime) Execute(a *storage.Agent, p *storage.Proposal) error {
	var err error
	switch p.Action {
	case storage.ProposalActionBuy:
		err = r.executeBuy(p)
	case storage.ProposalActionSell:
		err = r.executeSell(p)
	default:
		err = fmt.Errorf("agent: unknown proposal action %q", p.Action)
	}

	if err != nil {
		r.log.Error("proposal execution failed", "proposal_id", p.ID, "agent_id", a.ID, "err", err)
		return err
	}

	if updErr := r.store.UpdateProposalStatus(p.ID, storage.ProposalStatusExecuted); updErr != nil {
		r.log.Warn("failed to mark proposal executed", "proposal_id", p.ID, "err", updErr)
	}
	r.log.Info("proposal executed", "proposal_id", p.ID, "agent_id", a.ID, "action", p.Action)
	return nil
}

func (r *Runtime) executeBuy(p *storage.Proposal) error {
	txnID := p.ID // analyzeBuyer seeds the proposal ID from Discover's transaction ID.

	if _, err := r.coordinator.Select(r.ctx, txnID, p.ID+":select", protocol.SelectRequest{
		OfferID:         p.OfferID,
		RequestedQtyKWh: p.QuantityKWh,
	}); err != nil {
		return fmt.Errorf("agent: select failed: %w", err)
	}
	if _, err := r.coordinator.Init(r.ctx, txnID, p.ID+":init"); err != nil {
		return fmt.Errorf("agent: init failed: %w", err)
	}
	if _, err := r.coordinator.Confirm(r.ctx, txnID, p.ID+":confirm"); err != nil {
		return fmt.Errorf("agent: confirm failed: %w", err)
	}
	return nil
}

func (r *Runtime) executeSell(p *storage.Proposal) error {
	offer, err := r.store.GetOffer(p.OfferID)
	if err != nil {
		return fmt.Errorf("agent: failed to load offer %s: %w", p.OfferID, err)
	}
	if err := r.store.UpdateOfferPrice(offer.ID, offer.Version, p.PricePerKWh); err != nil {
		return fmt.Errorf("agent: failed to reprice offer %s: %w", offer.ID, err)
	}
	return nil
}

// Approve marks a pending proposal approved and executes it, for a
// human_approval agent's proposal once a human signs off.
func (r *Runtime) Approve(proposalID string) error {
	p, err := r.store.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Status != storage.ProposalStatusPending {
		return fmt.Errorf("agent: proposal %s is %s, not pending", proposalID, p.Status)
	}
	a, err := r.store.GetAgent(p.AgentID)
	if err != nil {
		return err
	}
	if err := r.store.UpdateProposalStatus(proposalID, storage.ProposalStatusApproved); err != nil {
		return err
	}
	r.log.Info("proposal approved", "proposal_id", proposalID, "agent_id", a.ID)
	return r.Execute(a, p)
}

// Reject marks a pending proposal rejected, with no further action.
func (r *Runtime) Reject(proposalID string) error {
	p, err := r.store.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if p.Status != storage.ProposalStatusPending {
		return fmt.Errorf("agent: proposal %s is %s, not pending", proposalID, p.Status)
	}
	if err := r.store.UpdateProposalStatus(proposalID, storage.ProposalStatusRejected); err != nil {
		return err
	}
	r.log.Info("proposal rejected", "proposal_id", proposalID, "agent_id", p.AgentID)
	return nil
}
