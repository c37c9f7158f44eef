package inventory

import (
	"time"

	"github.com/openfinex/inventory-api/internal/config"
	"github.com/openfinex/inventory-api/internal/types"
)

// MarketPolicy is a pluggable market-specific post-processing step applied
// to a computed availability before it is persisted.
type MarketPolicy interface {
	Market() string
	Apply(av *types.InventoryAvailability, positions []types.Position)
}

// TaiwanPolicy enforces the no-relending rule: borrowed shares sourced from
// an external feed must not be re-lent, so FOR_LOAN availability from
// external sources is forced to zero.
type TaiwanPolicy struct{}

func (TaiwanPolicy) Market() string { return types.MarketTaiwan }

func (TaiwanPolicy) Apply(av *types.InventoryAvailability, _ []types.Position) {
	if av.CalculationType == types.CalcTypeForLoan && av.IsExternalSource {
		av.NetQuantity = 0
		av.AvailableQuantity = 0
	}
}

// JapanPolicy applies the settlement cutoff and quanto settlement-lag
// adjustments. Receipts in settlement buckets that can no longer settle
// today are excluded from same-day availability: after the configured
// cutoff time-of-day, buckets 0 through lag-1 no longer count (the quanto
// lag shifts T+1 settlement to T+2).
type JapanPolicy struct {
	Cutoff    string // "15:30", empty disables the cutoff
	QuantoLag int
	Now       func() time.Time
}

// NewJapanPolicy builds the policy from market config.
func NewJapanPolicy(mc config.MarketConfig) *JapanPolicy {
	lag := mc.QuantoSettlementLag
	if lag < 1 {
		lag = 1
	}
	return &JapanPolicy{
		Cutoff:    mc.SettlementCutoff,
		QuantoLag: lag,
		Now:       time.Now,
	}
}

func (p *JapanPolicy) Market() string { return types.MarketJapan }

func (p *JapanPolicy) Apply(av *types.InventoryAvailability, positions []types.Position) {
	if p.Cutoff == "" || !p.afterCutoff() {
		return
	}

	var excluded float64
	for _, pos := range positions {
		for day := 0; day < p.QuantoLag && day < 5; day++ {
			excluded += pos.SettlementReceipt(day)
		}
	}

	av.AvailableQuantity -= excluded
	if av.AvailableQuantity < 0 {
		av.AvailableQuantity = 0
	}
}

func (p *JapanPolicy) afterCutoff() bool {
	cutoff, err := time.Parse("15:04", p.Cutoff)
	if err != nil {
		return false
	}
	now := p.Now()
	cutoffToday := time.Date(now.Year(), now.Month(), now.Day(),
		cutoff.Hour(), cutoff.Minute(), 0, 0, now.Location())
	return !now.Before(cutoffToday)
}

// BuildPolicies assembles the market policy set from config. Markets without
// explicit settings fall back to no post-processing.
func BuildPolicies(markets map[string]config.MarketConfig) map[string]MarketPolicy {
	policies := map[string]MarketPolicy{
		types.MarketTaiwan: TaiwanPolicy{},
	}
	if mc, ok := markets[types.MarketJapan]; ok {
		policies[types.MarketJapan] = NewJapanPolicy(mc)
	}
	return policies
}
