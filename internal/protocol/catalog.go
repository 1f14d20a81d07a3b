package protocol

import (
	"fmt"
	"time"

	"github.com/kkorel/energy-exchange/internal/matching"
	"github.com/kkorel/energy-exchange/internal/storage"
)

// DiscoveryCriteria describes what a buyer is looking for, the body of a
// discover envelope's message.
type DiscoveryCriteria struct {
	RequestedQuantityKWh float64   `json:"requested_quantity_kwh"`
	WindowStart          time.Time `json:"window_start"`
	WindowEnd            time.Time `json:"window_end"`
	SourceType           string    `json:"source_type,omitempty"`
}

func (c DiscoveryCriteria) toMatchingCriteria() matching.Criteria {
	return matching.Criteria{
		RequestedQuantityKWh: c.RequestedQuantityKWh,
		WindowStart:          c.WindowStart,
		WindowEnd:            c.WindowEnd,
	}
}

// buildCatalog loads every active offer and enriches it with the fields the
// matching engine needs: available quantity and delivery window derived
// from the offer's still-available blocks, and the seller's current trust
// score from its provider row.
func (c *Coordinator) buildCatalog(sourceType string) ([]matching.Offer, error) {
	offers, err := c.store.ListActiveOffers()
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to list active offers: %w", err)
	}

	var catalog []matching.Offer
	for _, o := range offers {
		item, err := c.store.GetItem(o.ItemID)
		if err != nil {
			c.log.Warn("skipping offer with missing item", "offer_id", o.ID, "item_id", o.ItemID, "err", err)
			continue
		}
		if sourceType != "" && item.SourceType != sourceType {
			continue
		}

		blocks, err := c.store.ListAvailableBlocks(o.ID)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to list blocks for offer %s: %w", o.ID, err)
		}
		if len(blocks) == 0 {
			continue
		}

		var availableKWh float64
		windowStart := blocks[0].DeliveryHourStart
		windowEnd := blocks[0].DeliveryHourStart.Add(time.Hour)
		for _, b := range blocks {
			availableKWh += b.QuantityKWh
			if b.DeliveryHourStart.Before(windowStart) {
				windowStart = b.DeliveryHourStart
			}
			if end := b.DeliveryHourStart.Add(time.Hour); end.After(windowEnd) {
				windowEnd = end
			}
		}

		trustScore := providerTrustScore(c.store, o.SellerID)

		catalog = append(catalog, matching.Offer{
			ID:                 o.ID,
			ProviderID:         o.SellerID,
			PricePerKWh:        o.PricePerKWh,
			MaxQuantityKWh:     availableKWh,
			DeliveryStart:      windowStart,
			DeliveryEnd:        windowEnd,
			ProviderTrustScore: trustScore,
		})
	}
	return catalog, nil
}

// providerTrustScore looks up sellerID's trust score, trying the provider
// table first (a prosumer's listing identity) and falling back to the user
// table (a pure-seller identity with no separate provider row). A missing
// identity scores 0 rather than failing catalog construction outright.
func providerTrustScore(store *storage.Storage, sellerID string) float64 {
	if p, err := store.GetProvider(sellerID); err == nil {
		return p.TrustScore
	}
	if u, err := store.GetUser(sellerID); err == nil {
		return u.TrustScore
	}
	return 0
}

func referencePrice(offers []matching.Offer) float64 {
	if len(offers) == 0 {
		return 0
	}
	var sum float64
	for _, o := range offers {
		sum += o.PricePerKWh
	}
	return sum / float64(len(offers))
}
