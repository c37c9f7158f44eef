package rules

import (
	"fmt"
	"time"

	"github.com/openfinex/inventory-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateRule writes the rule and its initial version snapshot in a
// transaction.
func (d *Database) CreateRule(rule *CalculationRule) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(rule).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create rule: %w", err)
	}
	if err := tx.Create(snapshot(rule)).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create rule version: %w", err)
	}
	return tx.Commit().Error
}

// SaveRule persists an updated rule body and its new version snapshot in a
// transaction. The caller has already bumped rule.Version.
func (d *Database) SaveRule(rule *CalculationRule) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Save(rule).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to save rule: %w", err)
	}
	if err := tx.Create(snapshot(rule)).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to create rule version: %w", err)
	}
	return tx.Commit().Error
}

func (d *Database) GetRule(ruleID string) (*CalculationRule, error) {
	var rule CalculationRule
	if err := d.db.Where("rule_id = ?", ruleID).First(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetRuleVersion retrieves one immutable version snapshot of a rule.
func (d *Database) GetRuleVersion(ruleID string, version int) (*RuleVersion, error) {
	var rv RuleVersion
	if err := d.db.Where("rule_id = ? AND version = ?", ruleID, version).First(&rv).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch rule version: %w", err)
	}
	return &rv, nil
}

// ListRuleVersions returns the version history for a rule, newest first.
func (d *Database) ListRuleVersions(ruleID string) ([]RuleVersion, error) {
	var versions []RuleVersion
	if err := d.db.Where("rule_id = ?", ruleID).
		Order("version DESC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch rule versions: %w", err)
	}
	return versions, nil
}

// FindActiveRules returns published rules for (ruleType, market) whose
// effective window covers now, GLOBAL rules included as fallback, ordered by
// priority descending.
func (d *Database) FindActiveRules(ruleType, market string, now time.Time) ([]CalculationRule, error) {
	var matched []CalculationRule
	if err := d.db.
		Where("rule_type = ? AND market IN ? AND status = ?",
			ruleType, []string{market, types.MarketGlobal}, StatusActive).
		Where("effective_date <= ?", now).
		Where("expiry_date IS NULL OR expiry_date > ?", now).
		Order("priority DESC").
		Find(&matched).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch active rules: %w", err)
	}
	return matched, nil
}

// FindConflictingActive returns the ACTIVE rule sharing (ruleType, market,
// priority) with the given rule, if any.
func (d *Database) FindConflictingActive(rule *CalculationRule) (*CalculationRule, error) {
	var conflict CalculationRule
	err := d.db.
		Where("rule_type = ? AND market = ? AND priority = ? AND status = ? AND rule_id <> ?",
			rule.RuleType, rule.Market, rule.Priority, StatusActive, rule.RuleID).
		First(&conflict).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check for conflicting rules: %w", err)
	}
	return &conflict, nil
}

// ListRules returns rules filtered by optional rule type, market and status.
func (d *Database) ListRules(ruleType, market, status string) ([]CalculationRule, error) {
	query := d.db.Model(&CalculationRule{})
	if ruleType != "" {
		query = query.Where("rule_type = ?", ruleType)
	}
	if market != "" {
		query = query.Where("market = ?", market)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var matched []CalculationRule
	if err := query.Order("market, rule_type, priority DESC").Find(&matched).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return matched, nil
}
