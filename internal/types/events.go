package types

import (
	"encoding/json"
	"time"
)

// Inbound data-change event types
const (
	EventTypeTrade     = "TRADE"
	EventTypePosition  = "POSITION"
	EventTypeContract  = "CONTRACT"
	EventTypeReference = "REFERENCE"
)

// DataChangeEvent is the envelope for reference/market/trade data change
// events consumed from the ingestion layer. The payload carries the
// position or trade delta.
type DataChangeEvent struct {
	EventType     string          `json:"event_type"`
	EventTime     time.Time       `json:"event_time"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// PositionDelta is the payload of a POSITION or CONTRACT event. Denormalized
// fields (market, counterparty, aggregation unit) are set explicitly by the
// producer; the store never derives them implicitly.
type PositionDelta struct {
	BookID            string  `json:"book_id" binding:"required"`
	SecurityID        string  `json:"security_id" binding:"required"`
	BusinessDate      string  `json:"business_date" binding:"required"`
	CounterpartyID    string  `json:"counterparty_id"`
	AggregationUnitID string  `json:"aggregation_unit_id"`
	Market            string  `json:"market"`
	ContractualQty    float64 `json:"contractual_qty"`
	SettledQty        float64 `json:"settled_qty"`
	SD0Deliver        float64 `json:"sd0_deliver"`
	SD1Deliver        float64 `json:"sd1_deliver"`
	SD2Deliver        float64 `json:"sd2_deliver"`
	SD3Deliver        float64 `json:"sd3_deliver"`
	SD4Deliver        float64 `json:"sd4_deliver"`
	SD0Receipt        float64 `json:"sd0_receipt"`
	SD1Receipt        float64 `json:"sd1_receipt"`
	SD2Receipt        float64 `json:"sd2_receipt"`
	SD3Receipt        float64 `json:"sd3_receipt"`
	SD4Receipt        float64 `json:"sd4_receipt"`
	IsHypothecatable  bool    `json:"is_hypothecatable"`
	IsReserved        bool    `json:"is_reserved"`
	IsStartOfDay      bool    `json:"is_start_of_day"`
	RecordVersion     int64   `json:"record_version"`
}
