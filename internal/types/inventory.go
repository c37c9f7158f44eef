package types

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Calculation types for InventoryAvailability
const (
	CalcTypeForLoan    = "FOR_LOAN"
	CalcTypeForPledge  = "FOR_PLEDGE"
	CalcTypeShortSell  = "SHORT_SELL"
	CalcTypeLongSell   = "LONG_SELL"
	CalcTypeLocate     = "LOCATE"
	CalcTypeOverborrow = "OVERBORROW"
)

// CalculationTypes lists every supported calculation type.
var CalculationTypes = []string{
	CalcTypeForLoan,
	CalcTypeForPledge,
	CalcTypeShortSell,
	CalcTypeLongSell,
	CalcTypeLocate,
	CalcTypeOverborrow,
}

// IsValidCalculationType reports whether t is a known calculation type.
func IsValidCalculationType(t string) bool {
	for _, ct := range CalculationTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// Security temperature classifications
const (
	TemperatureGC  = "GC"  // general collateral
	TemperatureHTB = "HTB" // hard to borrow
)

// Markets. GLOBAL is the fallback market for rules that apply everywhere.
const (
	MarketGlobal = "GLOBAL"
	MarketTaiwan = "TW"
	MarketJapan  = "JP"
)

// Availability status values
const (
	AvailabilityActive = "ACTIVE"
	AvailabilityStale  = "STALE"
)

// InventoryAvailability is a derived availability figure per
// (security, counterparty or aggregation unit, calculation type, business
// date). Rows are owned by the calculation orchestrator during a pass and
// read-only projections everywhere else.
type InventoryAvailability struct {
	gorm.Model        `json:"-"`
	AvailabilityID    string `gorm:"uniqueIndex" json:"availability_id"`
	SecurityID        string `gorm:"uniqueIndex:idx_availability_key,priority:1" json:"security_id"`
	CounterpartyID    string `gorm:"uniqueIndex:idx_availability_key,priority:2" json:"counterparty_id"`
	AggregationUnitID string `gorm:"uniqueIndex:idx_availability_key,priority:3" json:"aggregation_unit_id"`
	CalculationType   string `gorm:"uniqueIndex:idx_availability_key,priority:4" json:"calculation_type"`
	BusinessDate      string `gorm:"uniqueIndex:idx_availability_key,priority:5" json:"business_date"`
	Market            string `json:"market"`

	GrossQuantity     float64 `json:"gross_quantity"`
	NetQuantity       float64 `json:"net_quantity"`
	AvailableQuantity float64 `json:"available_quantity"`
	ReservedQuantity  float64 `json:"reserved_quantity"`
	DecrementQuantity float64 `json:"decrement_quantity"`

	SecurityTemperature string  `json:"security_temperature"` // HTB or GC
	BorrowRate          float64 `json:"borrow_rate"`

	CalculationRuleID      string `json:"calculation_rule_id"`
	CalculationRuleVersion int    `json:"calculation_rule_version"`
	IsExternalSource       bool   `json:"is_external_source"`
	Status                 string `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemainingAvailability is the quantity still open for new reservations and
// decrements. AvailableQuantity already nets out reserved and decremented
// quantity, so this is the figure decision points read.
func (a *InventoryAvailability) RemainingAvailability() float64 {
	return a.AvailableQuantity
}

// ApplyDecrement permanently consumes qty from availability for an executed
// trade. Unlike a reservation the quantity is never released back; the
// decrement carries across recalculations.
func (a *InventoryAvailability) ApplyDecrement(qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("decrement quantity must be positive, got %f", qty)
	}
	if a.AvailableQuantity < qty {
		return fmt.Errorf("%w: requested %f, remaining %f",
			ErrInsufficientAvailability, qty, a.AvailableQuantity)
	}
	a.AvailableQuantity -= qty
	a.DecrementQuantity += qty
	return nil
}

// IncrementReserved moves qty from available to reserved. The sum of
// available and reserved is conserved; insufficient availability is
// rejected without mutating the record.
func (a *InventoryAvailability) IncrementReserved(qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("reserve quantity must be positive, got %f", qty)
	}
	if a.RemainingAvailability() < qty {
		return fmt.Errorf("%w: requested %f, remaining %f",
			ErrInsufficientAvailability, qty, a.RemainingAvailability())
	}
	a.AvailableQuantity -= qty
	a.ReservedQuantity += qty
	return nil
}

// DecrementReserved reverses a prior IncrementReserved of the same qty.
func (a *InventoryAvailability) DecrementReserved(qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("release quantity must be positive, got %f", qty)
	}
	if a.ReservedQuantity < qty {
		return fmt.Errorf("%w: requested %f, reserved %f",
			ErrInsufficientReserved, qty, a.ReservedQuantity)
	}
	a.ReservedQuantity -= qty
	a.AvailableQuantity += qty
	return nil
}
