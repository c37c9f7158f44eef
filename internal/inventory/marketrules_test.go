package inventory

import (
	"testing"
	"time"

	"github.com/openfinex/inventory-api/internal/config"
	"github.com/openfinex/inventory-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func japanAt(hour, minute, lag int) *JapanPolicy {
	return &JapanPolicy{
		Cutoff:    "15:30",
		QuantoLag: lag,
		Now: func() time.Time {
			return time.Date(2025, 3, 14, hour, minute, 0, 0, time.UTC)
		},
	}
}

func TestJapanPolicyBeforeCutoffIsNoop(t *testing.T) {
	p := japanAt(10, 0, 1)

	av := types.InventoryAvailability{AvailableQuantity: 5000}
	positions := []types.Position{{SD0Receipt: 1000}}

	p.Apply(&av, positions)
	assert.Equal(t, 5000.0, av.AvailableQuantity)
}

func TestJapanPolicyAfterCutoffExcludesPendingReceipts(t *testing.T) {
	p := japanAt(16, 0, 2)

	av := types.InventoryAvailability{AvailableQuantity: 5000}
	positions := []types.Position{
		{SD0Receipt: 1000, SD1Receipt: 500, SD2Receipt: 300},
		{SD0Receipt: 200},
	}

	// Lag 2 excludes SD0 and SD1 buckets; SD2 still counts
	p.Apply(&av, positions)
	assert.Equal(t, 3300.0, av.AvailableQuantity)
}

func TestJapanPolicyCutoffBoundaryInclusive(t *testing.T) {
	p := japanAt(15, 30, 1)

	av := types.InventoryAvailability{AvailableQuantity: 1000}
	p.Apply(&av, []types.Position{{SD0Receipt: 400}})
	assert.Equal(t, 600.0, av.AvailableQuantity)
}

func TestJapanPolicyClampsAtZero(t *testing.T) {
	p := japanAt(16, 0, 1)

	av := types.InventoryAvailability{AvailableQuantity: 100}
	p.Apply(&av, []types.Position{{SD0Receipt: 500}})
	assert.Zero(t, av.AvailableQuantity)
}

func TestJapanPolicyEmptyCutoffDisables(t *testing.T) {
	p := japanAt(16, 0, 1)
	p.Cutoff = ""

	av := types.InventoryAvailability{AvailableQuantity: 1000}
	p.Apply(&av, []types.Position{{SD0Receipt: 400}})
	assert.Equal(t, 1000.0, av.AvailableQuantity)
}

func TestNewJapanPolicyFloorsLag(t *testing.T) {
	p := NewJapanPolicy(config.MarketConfig{SettlementCutoff: "15:30", QuantoSettlementLag: 0})
	assert.Equal(t, 1, p.QuantoLag)
	require.NotNil(t, p.Now)
}

func TestTaiwanPolicyOnlyZeroesExternalForLoan(t *testing.T) {
	p := TaiwanPolicy{}

	external := types.InventoryAvailability{
		CalculationType:   types.CalcTypeForLoan,
		IsExternalSource:  true,
		NetQuantity:       5000,
		AvailableQuantity: 5000,
	}
	p.Apply(&external, nil)
	assert.Zero(t, external.NetQuantity)
	assert.Zero(t, external.AvailableQuantity)

	internal := types.InventoryAvailability{
		CalculationType:   types.CalcTypeForLoan,
		NetQuantity:       5000,
		AvailableQuantity: 5000,
	}
	p.Apply(&internal, nil)
	assert.Equal(t, 5000.0, internal.AvailableQuantity)

	externalShortSell := types.InventoryAvailability{
		CalculationType:   types.CalcTypeShortSell,
		IsExternalSource:  true,
		NetQuantity:       5000,
		AvailableQuantity: 5000,
	}
	p.Apply(&externalShortSell, nil)
	assert.Equal(t, 5000.0, externalShortSell.AvailableQuantity)
}

func TestBuildPolicies(t *testing.T) {
	policies := BuildPolicies(nil)
	require.Contains(t, policies, types.MarketTaiwan)
	assert.NotContains(t, policies, types.MarketJapan)

	policies = BuildPolicies(map[string]config.MarketConfig{
		types.MarketJapan: {SettlementCutoff: "15:30", QuantoSettlementLag: 2},
	})
	require.Contains(t, policies, types.MarketJapan)
	jp, ok := policies[types.MarketJapan].(*JapanPolicy)
	require.True(t, ok)
	assert.Equal(t, 2, jp.QuantoLag)
}
