package types

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Market-specific rule tags carried on aggregation unit limits
const (
	MarketRuleNoRelending      = "TW_NO_RELENDING"
	MarketRuleSettlementCutoff = "JP_SETTLEMENT_CUTOFF"
)

// AggregationUnitLimit tracks long/short sell limits and their consumption
// per (aggregation unit, security, business date). Used quantities only
// accumulate; reductions happen through explicit reversal deltas on order
// cancellation.
type AggregationUnitLimit struct {
	gorm.Model        `json:"-"`
	LimitID           string `gorm:"uniqueIndex" json:"limit_id"`
	AggregationUnitID string `gorm:"uniqueIndex:idx_limits_key,priority:1" json:"aggregation_unit_id"`
	SecurityID        string `gorm:"uniqueIndex:idx_limits_key,priority:2" json:"security_id"`
	BusinessDate      string `gorm:"uniqueIndex:idx_limits_key,priority:3" json:"business_date"`

	LongSellLimit  float64 `json:"long_sell_limit"`
	ShortSellLimit float64 `json:"short_sell_limit"`
	LongSellUsed   float64 `json:"long_sell_used"`
	ShortSellUsed  float64 `json:"short_sell_used"`

	// BorrowedShortSellQty is the portion of the short-sell limit funded by
	// borrowed (re-lent) shares. Markets tagged TW_NO_RELENDING exclude it
	// from the effective limit.
	BorrowedShortSellQty float64 `json:"borrowed_short_sell_qty"`

	Currency string `json:"currency"`
	Market   string `json:"market"`

	// MarketSpecificRules is a JSON array of rule tags, e.g.
	// ["TW_NO_RELENDING"].
	MarketSpecificRules string `json:"market_specific_rules"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleTags decodes the market-specific rule tags. Malformed JSON is treated
// as no tags.
func (l *AggregationUnitLimit) RuleTags() []string {
	if l.MarketSpecificRules == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(l.MarketSpecificRules), &tags); err != nil {
		return nil
	}
	return tags
}

// HasRuleTag reports whether the limit carries the given market rule tag.
func (l *AggregationUnitLimit) HasRuleTag(tag string) bool {
	for _, t := range l.RuleTags() {
		if t == tag {
			return true
		}
	}
	return false
}

// EffectiveShortSellLimit is the short-sell limit after market overlays.
func (l *AggregationUnitLimit) EffectiveShortSellLimit() float64 {
	limit := l.ShortSellLimit
	if l.HasRuleTag(MarketRuleNoRelending) {
		limit -= l.BorrowedShortSellQty
	}
	if limit < 0 {
		limit = 0
	}
	return limit
}

// RemainingLongSellLimit is the unconsumed long-sell capacity.
func (l *AggregationUnitLimit) RemainingLongSellLimit() float64 {
	return l.LongSellLimit - l.LongSellUsed
}

// RemainingShortSellLimit is the unconsumed short-sell capacity after
// market overlays.
func (l *AggregationUnitLimit) RemainingShortSellLimit() float64 {
	return l.EffectiveShortSellLimit() - l.ShortSellUsed
}

// HasLongSellCapacity reports whether qty fits in the remaining long-sell
// capacity.
func (l *AggregationUnitLimit) HasLongSellCapacity(qty float64) bool {
	return l.RemainingLongSellLimit() >= qty
}

// HasShortSellCapacity reports whether qty fits in the remaining short-sell
// capacity.
func (l *AggregationUnitLimit) HasShortSellCapacity(qty float64) bool {
	return l.RemainingShortSellLimit() >= qty
}
