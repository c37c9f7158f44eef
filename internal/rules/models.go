package rules

import (
	"time"

	"gorm.io/gorm"
)

// Rule lifecycle statuses
const (
	StatusDraft   = "DRAFT"
	StatusActive  = "ACTIVE"
	StatusExpired = "EXPIRED"
)

// CalculationRule is a versioned, market-scoped rule driving inventory
// calculations. The row always holds the current version; prior versions
// live in RuleVersion and are never mutated.
type CalculationRule struct {
	gorm.Model    `json:"-"`
	RuleID        string     `gorm:"uniqueIndex" json:"rule_id"`
	Name          string     `gorm:"uniqueIndex:idx_rules_name_market,priority:1" json:"name"`
	Market        string     `gorm:"uniqueIndex:idx_rules_name_market,priority:2" json:"market"`
	RuleType      string     `json:"rule_type"` // matches a calculation type
	Priority      int        `json:"priority"`
	Version       int        `json:"version"`
	Status        string     `json:"status"` // DRAFT, ACTIVE, EXPIRED
	EffectiveDate time.Time  `json:"effective_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`

	// Criteria, conditions and actions are stored as JSON arrays of the
	// tagged-variant types below.
	InclusionCriteria string `json:"inclusion_criteria"`
	ExclusionCriteria string `json:"exclusion_criteria"`
	Conditions        string `json:"conditions"`
	Actions           string `json:"actions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActiveOn reports whether the rule's window covers the given instant and
// the rule is published.
func (r *CalculationRule) IsActiveOn(now time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	if r.EffectiveDate.After(now) {
		return false
	}
	if r.ExpiryDate != nil && !r.ExpiryDate.After(now) {
		return false
	}
	return true
}

// RuleVersion is an immutable snapshot of a rule body at a given version,
// written on every create, update, publish and revert.
type RuleVersion struct {
	gorm.Model        `json:"-"`
	RuleID            string     `gorm:"index:idx_rule_versions_rule,priority:1" json:"rule_id"`
	Version           int        `gorm:"index:idx_rule_versions_rule,priority:2" json:"version"`
	Name              string     `json:"name"`
	Market            string     `json:"market"`
	RuleType          string     `json:"rule_type"`
	Priority          int        `json:"priority"`
	Status            string     `json:"status"`
	EffectiveDate     time.Time  `json:"effective_date"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
	InclusionCriteria string     `json:"inclusion_criteria"`
	ExclusionCriteria string     `json:"exclusion_criteria"`
	Conditions        string     `json:"conditions"`
	Actions           string     `json:"actions"`
	CreatedAt         time.Time  `json:"created_at"`
}

// snapshot copies the rule body into a version row.
func snapshot(r *CalculationRule) *RuleVersion {
	return &RuleVersion{
		RuleID:            r.RuleID,
		Version:           r.Version,
		Name:              r.Name,
		Market:            r.Market,
		RuleType:          r.RuleType,
		Priority:          r.Priority,
		Status:            r.Status,
		EffectiveDate:     r.EffectiveDate,
		ExpiryDate:        r.ExpiryDate,
		InclusionCriteria: r.InclusionCriteria,
		ExclusionCriteria: r.ExclusionCriteria,
		Conditions:        r.Conditions,
		Actions:           r.Actions,
		CreatedAt:         time.Now(),
	}
}

// RuleRequest is the request body for rule create/update/test operations.
type RuleRequest struct {
	Name              string      `json:"name" binding:"required"`
	Market            string      `json:"market" binding:"required"`
	RuleType          string      `json:"rule_type" binding:"required"`
	Priority          int         `json:"priority"`
	EffectiveDate     time.Time   `json:"effective_date"`
	ExpiryDate        *time.Time  `json:"expiry_date,omitempty"`
	InclusionCriteria []Criterion `json:"inclusion_criteria"`
	ExclusionCriteria []Criterion `json:"exclusion_criteria"`
	Conditions        []Criterion `json:"conditions"`
	Actions           []Action    `json:"actions"`
}

// TestRuleRequest carries a rule body plus sample candidates for dry-run
// evaluation.
type TestRuleRequest struct {
	Rule       RuleRequest `json:"rule" binding:"required"`
	Candidates []Candidate `json:"candidates" binding:"required"`
}

// TestRuleResponse is the simulated evaluation result.
type TestRuleResponse struct {
	Included      []Candidate `json:"included"`
	ExcludedCount int         `json:"excluded_count"`
	GrossQuantity float64     `json:"gross_quantity"`
	NetQuantity   float64     `json:"net_quantity"`
	Temperature   string      `json:"temperature,omitempty"`
	BorrowRate    float64     `json:"borrow_rate,omitempty"`
}

// ValidationError identifies which field of a rule request failed
// validation. Returned to the caller as a structured list rather than an
// opaque message.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
