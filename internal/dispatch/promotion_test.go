package dispatch_test

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/loyalty-messaging/internal/core"
	"github.com/relaypoint/loyalty-messaging/internal/dispatch"
	"github.com/relaypoint/loyalty-messaging/internal/store"
)

func TestPromotionRuleValidate(t *testing.T) {
	cases := []struct {
		name string
		rule dispatch.PromotionRule
		ok   bool
	}{
		{"first purchase", dispatch.PromotionRule{PromotionID: "P", Kind: dispatch.RuleFirstPurchase}, true},
		{"referral", dispatch.PromotionRule{PromotionID: "P", Kind: dispatch.RuleReferral}, true},
		{"min purchase", dispatch.PromotionRule{PromotionID: "P", Kind: dispatch.RuleMinPurchase, MinCents: 5000}, true},
		{"level reached", dispatch.PromotionRule{PromotionID: "P", Kind: dispatch.RuleLevelReached, Level: "Gold"}, true},
		{"missing id", dispatch.PromotionRule{Kind: dispatch.RuleFirstPurchase}, false},
		{"min purchase without amount", dispatch.PromotionRule{PromotionID: "P", Kind: dispatch.RuleMinPurchase}, false},
		{"level without level", dispatch.PromotionRule{PromotionID: "P", Kind: dispatch.RuleLevelReached}, false},
		{"unknown kind", dispatch.PromotionRule{PromotionID: "P", Kind: "vip_day"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, core.ErrValidation)
			}
		})
	}
}

func TestPromotionRuleMatches(t *testing.T) {
	gold := core.Customer{ID: "c1", Level: "Gold"}

	require.True(t, dispatch.PromotionRule{Kind: dispatch.RuleFirstPurchase}.Matches(gold, dispatch.PurchaseFacts{OrderCount: 1}))
	require.False(t, dispatch.PromotionRule{Kind: dispatch.RuleFirstPurchase}.Matches(gold, dispatch.PurchaseFacts{OrderCount: 2}))

	minRule := dispatch.PromotionRule{Kind: dispatch.RuleMinPurchase, MinCents: 5000}
	require.True(t, minRule.Matches(gold, dispatch.PurchaseFacts{OrderCents: 5000}))
	require.False(t, minRule.Matches(gold, dispatch.PurchaseFacts{OrderCents: 4999}))

	levelRule := dispatch.PromotionRule{Kind: dispatch.RuleLevelReached, Level: "Gold"}
	require.True(t, levelRule.Matches(gold, dispatch.PurchaseFacts{}))
	require.False(t, levelRule.Matches(core.Customer{Level: "Silver"}, dispatch.PurchaseFacts{}))

	require.True(t, dispatch.PromotionRule{Kind: dispatch.RuleReferral}.Matches(gold, dispatch.PurchaseFacts{Referred: true}))
	require.False(t, dispatch.PromotionRule{Kind: dispatch.RuleReferral}.Matches(gold, dispatch.PurchaseFacts{}))
}

func TestEvaluatePromotionsIdempotent(t *testing.T) {
	mem := store.NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()
	c := core.Customer{ID: "c1", Level: "Gold"}
	rules := []dispatch.PromotionRule{
		{PromotionID: "FIRST10", Kind: dispatch.RuleFirstPurchase},
		{PromotionID: "GOLD5", Kind: dispatch.RuleLevelReached, Level: "Gold"},
		{PromotionID: "BIG50", Kind: dispatch.RuleMinPurchase, MinCents: 10000},
	}

	assigned, err := dispatch.EvaluatePromotions(ctx, mem, rules, c, dispatch.PurchaseFacts{OrderCount: 1, OrderCents: 2500})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"FIRST10", "GOLD5"}, assigned)

	// Re-evaluating the same facts assigns nothing new.
	assigned, err = dispatch.EvaluatePromotions(ctx, mem, rules, c, dispatch.PurchaseFacts{OrderCount: 1, OrderCents: 2500})
	require.NoError(t, err)
	require.Empty(t, assigned)
}

func TestEvaluatePromotionsRejectsBadRule(t *testing.T) {
	mem := store.NewMemory(clockwork.NewFakeClock())
	rules := []dispatch.PromotionRule{{PromotionID: "P", Kind: "vip_day"}}

	_, err := dispatch.EvaluatePromotions(context.Background(), mem, rules, core.Customer{ID: "c1"}, dispatch.PurchaseFacts{})
	require.ErrorIs(t, err, core.ErrValidation)
}
