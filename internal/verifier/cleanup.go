package verifier

import "github.com/kkorel/energy-exchange/internal/storage"

// cleanupOffer deletes offerID once every block under it is non-available
// (sold, expired, or otherwise spoken for), so a fully-spent listing stops
// surfacing in the discover catalog. Runs after the settlement transaction
// commits; failures here are logged, not fatal, per §4.8's closing note.
func (v *Verifier) cleanupOffer(offerID string) {
	nonAvailable, total, err := v.store.CountNonAvailableBlocks(offerID)
	if err != nil {
		v.log.Warn("failed to count offer blocks during cleanup", "offer_id", offerID, "err", err)
		return
	}
	if total == 0 || nonAvailable < total {
		return
	}
	if err := v.store.DeleteOffer(offerID); err != nil {
		v.log.Warn("failed to delete spent offer", "offer_id", offerID, "err", err)
		return
	}
	v.log.Debug("deleted spent offer", "offer_id", offerID)
}
