package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemainingLimits(t *testing.T) {
	l := AggregationUnitLimit{
		LongSellLimit:  100000,
		ShortSellLimit: 50000,
		LongSellUsed:   25000,
		ShortSellUsed:  10000,
	}

	assert.Equal(t, 75000.0, l.RemainingLongSellLimit())
	assert.Equal(t, 40000.0, l.RemainingShortSellLimit())

	// Capacity holds exactly at the boundary
	assert.True(t, l.HasShortSellCapacity(40000))
	assert.False(t, l.HasShortSellCapacity(40000.01))
}

func TestNoRelendingOverlay(t *testing.T) {
	l := AggregationUnitLimit{
		ShortSellLimit:       50000,
		BorrowedShortSellQty: 20000,
		Market:               MarketTaiwan,
		MarketSpecificRules:  `["TW_NO_RELENDING"]`,
	}

	// Borrowed shares do not fund short-sell capacity in no-relending markets
	assert.Equal(t, 30000.0, l.EffectiveShortSellLimit())
	assert.Equal(t, 30000.0, l.RemainingShortSellLimit())

	// Without the tag the full limit applies
	l.MarketSpecificRules = "[]"
	assert.Equal(t, 50000.0, l.EffectiveShortSellLimit())
}

func TestNoRelendingOverlayClampsAtZero(t *testing.T) {
	l := AggregationUnitLimit{
		ShortSellLimit:       10000,
		BorrowedShortSellQty: 15000,
		MarketSpecificRules:  `["TW_NO_RELENDING"]`,
	}
	assert.Zero(t, l.EffectiveShortSellLimit())
}

func TestRuleTags(t *testing.T) {
	l := AggregationUnitLimit{MarketSpecificRules: `["TW_NO_RELENDING","JP_SETTLEMENT_CUTOFF"]`}
	assert.True(t, l.HasRuleTag(MarketRuleNoRelending))
	assert.True(t, l.HasRuleTag(MarketRuleSettlementCutoff))
	assert.False(t, l.HasRuleTag("UNKNOWN"))

	// Malformed JSON means no tags, not a panic
	l.MarketSpecificRules = "{bad"
	assert.Nil(t, l.RuleTags())
}
