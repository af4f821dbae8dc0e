package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

// Promotion rule kinds. Each rule sets exactly the fields its kind needs;
// everything else is irrelevant and non-blocking.
const (
	RuleFirstPurchase = "first_purchase"
	RuleMinPurchase   = "min_purchase"
	RuleLevelReached  = "level_reached"
	RuleReferral      = "referral"
)

// PromotionRule is a single-customer eligibility condition. It shares the
// predicate philosophy of FilterPredicate but is evaluated per event, not
// against a bulk audience.
type PromotionRule struct {
	PromotionID string `json:"promotion_id"`
	Kind        string `json:"kind"`
	MinCents    int64  `json:"min_cents,omitempty"` // min_purchase only
	Level       string `json:"level,omitempty"`     // level_reached only
}

func (r PromotionRule) Validate() error {
	if r.PromotionID == "" {
		return fmt.Errorf("%w: promotion rule has no promotion_id", core.ErrValidation)
	}
	switch r.Kind {
	case RuleFirstPurchase, RuleReferral:
	case RuleMinPurchase:
		if r.MinCents <= 0 {
			return fmt.Errorf("%w: min_purchase rule needs min_cents > 0", core.ErrValidation)
		}
	case RuleLevelReached:
		if r.Level == "" {
			return fmt.Errorf("%w: level_reached rule needs a level", core.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown promotion rule kind %q", core.ErrValidation, r.Kind)
	}
	return nil
}

// PurchaseFacts carries the event-scoped data rules match against.
type PurchaseFacts struct {
	OrderCount int   `json:"order_count"` // lifetime orders including this one
	OrderCents int64 `json:"order_cents"` // this order's total
	Referred   bool  `json:"referred"`    // customer came through a referral
}

// Matches reports whether the customer qualifies under this rule.
func (r PromotionRule) Matches(c core.Customer, f PurchaseFacts) bool {
	switch r.Kind {
	case RuleFirstPurchase:
		return f.OrderCount == 1
	case RuleMinPurchase:
		return f.OrderCents >= r.MinCents
	case RuleLevelReached:
		return c.Level == r.Level
	case RuleReferral:
		return f.Referred
	default:
		return false
	}
}

// EvaluatePromotions checks every rule and assigns matches idempotently.
// Returns the promotion ids newly assigned in this evaluation.
func EvaluatePromotions(ctx context.Context, promos store.Promotions, rules []PromotionRule, c core.Customer, f PurchaseFacts) ([]string, error) {
	var assigned []string
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return assigned, err
		}
		if !r.Matches(c, f) {
			continue
		}
		ok, err := promos.AssignIfAbsent(ctx, c.ID, r.PromotionID)
		if err != nil {
			return assigned, err
		}
		if ok {
			assigned = append(assigned, r.PromotionID)
			log.Info().Str("customer_id", c.ID).Str("promotion_id", r.PromotionID).
				Msg("promotion assigned")
		}
	}
	return assigned, nil
}
