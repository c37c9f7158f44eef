package orchestrator

import (
	"time"

	"gorm.io/gorm"
)

// Calculation pass states. A pass walks the states in order and ends in
// PUBLISHED or FAILED.
const (
	PassTriggered         = "TRIGGERED"
	PassPositionsUpdated  = "POSITIONS_UPDATED"
	PassInventoryComputed = "INVENTORY_COMPUTED"
	PassLimitsUpdated     = "LIMITS_UPDATED"
	PassPublished         = "PUBLISHED"
	PassFailed            = "FAILED"
)

// Trigger types recorded on a pass.
const (
	TriggerTrade     = "TRADE"
	TriggerPosition  = "POSITION"
	TriggerContract  = "CONTRACT"
	TriggerReference = "REFERENCE"
	TriggerManual    = "MANUAL"
	TriggerSchedule  = "SCHEDULE"
)

// Alert severities.
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// CalculationPass is the persisted audit record of one recalculation run
// for a security on a business date.
type CalculationPass struct {
	gorm.Model    `json:"-"`
	PassID        string    `json:"pass_id" gorm:"uniqueIndex"`
	SecurityID    string    `json:"security_id" gorm:"index"`
	BusinessDate  string    `json:"business_date" gorm:"index"`
	Market        string    `json:"market"`
	TriggerType   string    `json:"trigger_type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	DurationMs    int64     `json:"duration_ms"`
	SLABreached   bool      `json:"sla_breached"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
}

// Alert is raised when a pass fails fatally or exhausts its retries. Alerts
// surface through the API and the event stream for operations teams.
type Alert struct {
	gorm.Model   `json:"-"`
	AlertID      string `json:"alert_id" gorm:"uniqueIndex"`
	Severity     string `json:"severity"`
	SecurityID   string `json:"security_id" gorm:"index"`
	BusinessDate string `json:"business_date"`
	PassID       string `json:"pass_id,omitempty"`
	Message      string `json:"message"`
	Acknowledged bool   `json:"acknowledged"`
}

// Trigger is a recalculation request routed to the worker partition owning
// the security.
type Trigger struct {
	SecurityID    string `json:"security_id" binding:"required"`
	BusinessDate  string `json:"business_date" binding:"required"`
	Market        string `json:"market"`
	TriggerType   string `json:"trigger_type"`
	CorrelationID string `json:"correlation_id"`
}
