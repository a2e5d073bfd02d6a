/**
 * @description
 * This file implements the allocation engine: given a listing and its
 * currently-eligible subscriptions, it selects exactly one subscription to
 * receive the incoming lead. Selection is a pure function of its inputs and
 * the injected RNG — no I/O, no locks — which makes its distribution shape
 * directly testable.
 *
 * Two strategies:
 *  - No weight map on the listing: highest priority wins, and within a
 *    priority tier the subscription with the fewest delivered leads wins
 *    (round-robin tendency).
 *  - Weight map present: standard weighted-random selection, defaulting the
 *    weight to 1 for subscriptions absent from the map. Non-positive weights
 *    are treated as invalid and also fall back to 1, so the total weight is
 *    always positive.
 */

package app

import (
	"math/rand"
	"sort"

	"github.com/leadflow/marketplace-service/internal/domain"
	"github.com/leadflow/marketplace-service/internal/store"
	"github.com/shopspring/decimal"
)

// SelectSubscription picks the subscription that receives the next lead.
// The eligible list must be non-empty; an empty list is a hard failure.
func SelectSubscription(listing *domain.Listing, eligible []domain.Subscription, rng *rand.Rand) (*domain.Subscription, error) {
	if len(eligible) == 0 {
		return nil, store.ErrNoEligibleSubscription
	}

	if len(listing.WeightDistribution) == 0 {
		return selectByPriority(eligible), nil
	}
	return selectWeighted(listing.WeightDistribution, eligible, rng), nil
}

func selectByPriority(eligible []domain.Subscription) *domain.Subscription {
	candidates := make([]domain.Subscription, len(eligible))
	copy(candidates, eligible)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].LeadsDelivered < candidates[j].LeadsDelivered
	})
	return &candidates[0]
}

func selectWeighted(weights map[string]decimal.Decimal, eligible []domain.Subscription, rng *rand.Rand) *domain.Subscription {
	resolved := make([]float64, len(eligible))
	total := 0.0
	for i, sub := range eligible {
		weight := 1.0
		if w, ok := weights[sub.ID.String()]; ok && w.IsPositive() {
			weight = w.InexactFloat64()
		}
		resolved[i] = weight
		total += weight
	}

	remainder := rng.Float64() * total
	for i := range eligible {
		remainder -= resolved[i]
		if remainder <= 0 {
			return &eligible[i]
		}
	}
	// Floating-point drift can leave a hair of remainder after the last
	// subtraction; the final candidate absorbs it.
	return &eligible[len(eligible)-1]
}
