package types

import (
	"time"

	"gorm.io/gorm"
)

// Calculation status values for Position.CalculationStatus
const (
	CalcStatusPending = "PENDING"
	CalcStatusValid   = "VALID"
	CalcStatusError   = "ERROR"
)

// BusinessDateFormat is the canonical layout for business date keys
const BusinessDateFormat = "2006-01-02"

// ToBusinessDate formats a timestamp as a business date key
func ToBusinessDate(t time.Time) string {
	return t.UTC().Format(BusinessDateFormat)
}

// Position is a snapshot of a book's holding in a security for one business
// date. Exactly one row exists per (book_id, security_id, business_date);
// writes go through the position store's version-checked upsert.
type Position struct {
	gorm.Model        `json:"-"`
	PositionID        string `gorm:"uniqueIndex" json:"position_id"`
	BookID            string `gorm:"uniqueIndex:idx_positions_key,priority:1" json:"book_id"`
	SecurityID        string `gorm:"uniqueIndex:idx_positions_key,priority:2" json:"security_id"`
	BusinessDate      string `gorm:"uniqueIndex:idx_positions_key,priority:3" json:"business_date"`
	CounterpartyID    string `json:"counterparty_id"`
	AggregationUnitID string `json:"aggregation_unit_id"`
	Market            string `json:"market"`

	ContractualQty float64 `json:"contractual_qty"`
	SettledQty     float64 `json:"settled_qty"`

	// Forward settlement ladder: projected deliver/receipt quantities for
	// the next five settlement business days. Entries are non-negative.
	SD0Deliver float64 `json:"sd0_deliver"`
	SD1Deliver float64 `json:"sd1_deliver"`
	SD2Deliver float64 `json:"sd2_deliver"`
	SD3Deliver float64 `json:"sd3_deliver"`
	SD4Deliver float64 `json:"sd4_deliver"`
	SD0Receipt float64 `json:"sd0_receipt"`
	SD1Receipt float64 `json:"sd1_receipt"`
	SD2Receipt float64 `json:"sd2_receipt"`
	SD3Receipt float64 `json:"sd3_receipt"`
	SD4Receipt float64 `json:"sd4_receipt"`

	IsHypothecatable bool `json:"is_hypothecatable"`
	IsReserved       bool `json:"is_reserved"`
	IsStartOfDay     bool `json:"is_start_of_day"`

	CalculationStatus      string `json:"calculation_status"` // PENDING, VALID, ERROR
	CalculationRuleID      string `json:"calculation_rule_id"`
	CalculationRuleVersion int    `json:"calculation_rule_version"`

	// RecordVersion is the monotonic writer version used to resolve
	// concurrent upserts of the same key. A stale write (lower or equal
	// version) is rejected with ErrStaleWrite.
	RecordVersion int64 `json:"record_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentNetPosition is the settled net position as of today.
func (p *Position) CurrentNetPosition() float64 {
	return p.SettledQty
}

// ProjectedNetPosition is the contractual net position once all open
// contracts settle.
func (p *Position) ProjectedNetPosition() float64 {
	return p.ContractualQty
}

// SettlementReceipt returns the projected receipt quantity for settlement
// day offset 0..4. Out-of-range offsets return zero.
func (p *Position) SettlementReceipt(day int) float64 {
	switch day {
	case 0:
		return p.SD0Receipt
	case 1:
		return p.SD1Receipt
	case 2:
		return p.SD2Receipt
	case 3:
		return p.SD3Receipt
	case 4:
		return p.SD4Receipt
	}
	return 0
}

// SettlementDeliver returns the projected deliver quantity for settlement
// day offset 0..4. Out-of-range offsets return zero.
func (p *Position) SettlementDeliver(day int) float64 {
	switch day {
	case 0:
		return p.SD0Deliver
	case 1:
		return p.SD1Deliver
	case 2:
		return p.SD2Deliver
	case 3:
		return p.SD3Deliver
	case 4:
		return p.SD4Deliver
	}
	return 0
}

// IsEligibleForCalculation reports whether the position carries the
// reference data the calculator needs. Ineligible positions are skipped,
// not treated as errors.
func (p *Position) IsEligibleForCalculation() bool {
	if p.BookID == "" || p.SecurityID == "" || p.BusinessDate == "" {
		return false
	}
	for day := 0; day < 5; day++ {
		if p.SettlementReceipt(day) < 0 || p.SettlementDeliver(day) < 0 {
			return false
		}
	}
	return true
}
