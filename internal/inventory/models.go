package inventory

import (
	"time"

	"gorm.io/gorm"
)

// Locate statuses
const (
	LocateRequested = "REQUESTED"
	LocateApproved  = "APPROVED"
	LocateRejected  = "REJECTED"
	LocateReleased  = "RELEASED"
)

// Locate is a pre-trade check that borrowable shares exist before a short
// sale. An approved locate holds reserved quantity on the LOCATE
// availability until it is released or consumed.
type Locate struct {
	gorm.Model        `json:"-"`
	LocateID          string  `gorm:"uniqueIndex" json:"locate_id"`
	SecurityID        string  `gorm:"index" json:"security_id"`
	CounterpartyID    string  `json:"counterparty_id"`
	AggregationUnitID string  `json:"aggregation_unit_id"`
	BusinessDate      string  `json:"business_date"`
	Market            string  `json:"market"`
	RequestedQty      float64 `json:"requested_qty"`
	ApprovedQty       float64 `json:"approved_qty"`
	Status            string  `json:"status"` // REQUESTED, APPROVED, REJECTED, RELEASED
	RejectReason      string  `json:"reject_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocateRequest is the request body for locate approvals.
type LocateRequest struct {
	SecurityID        string  `json:"security_id" binding:"required"`
	CounterpartyID    string  `json:"counterparty_id"`
	AggregationUnitID string  `json:"aggregation_unit_id"`
	BusinessDate      string  `json:"business_date" binding:"required"`
	Market            string  `json:"market"`
	Quantity          float64 `json:"quantity" binding:"required"`
}

// DecrementRequest consumes availability for an executed trade. Unlike a
// locate reservation the quantity is never released back.
type DecrementRequest struct {
	SecurityID        string  `json:"security_id" binding:"required"`
	CounterpartyID    string  `json:"counterparty_id"`
	AggregationUnitID string  `json:"aggregation_unit_id"`
	CalculationType   string  `json:"calculation_type" binding:"required"`
	BusinessDate      string  `json:"business_date" binding:"required"`
	Quantity          float64 `json:"quantity" binding:"required"`
}

// ExternalAvailabilityRequest carries lendable quantity from an external
// source such as a borrow desk feed.
type ExternalAvailabilityRequest struct {
	SecurityID      string  `json:"security_id" binding:"required"`
	CounterpartyID  string  `json:"counterparty_id"`
	BusinessDate    string  `json:"business_date" binding:"required"`
	Market          string  `json:"market"`
	CalculationType string  `json:"calculation_type" binding:"required"`
	Quantity        float64 `json:"quantity"`
	Temperature     string  `json:"temperature"`
	BorrowRate      float64 `json:"borrow_rate"`
}
