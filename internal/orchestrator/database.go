package orchestrator

import (
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreatePass records a new calculation pass in its initial state.
func (d *Database) CreatePass(pass *CalculationPass) error {
	if err := d.db.Create(pass).Error; err != nil {
		return fmt.Errorf("failed to create calculation pass: %w", err)
	}
	return nil
}

// UpdatePass persists a pass's state transition.
func (d *Database) UpdatePass(pass *CalculationPass) error {
	if err := d.db.Save(pass).Error; err != nil {
		return fmt.Errorf("failed to update calculation pass: %w", err)
	}
	return nil
}

// ListRecentPasses returns the most recent passes, newest first.
func (d *Database) ListRecentPasses(securityID string, limit int) ([]CalculationPass, error) {
	if limit <= 0 {
		limit = 50
	}
	query := d.db.Model(&CalculationPass{})
	if securityID != "" {
		query = query.Where("security_id = ?", securityID)
	}

	var passes []CalculationPass
	if err := query.Order("id DESC").Limit(limit).Find(&passes).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch calculation passes: %w", err)
	}
	return passes, nil
}

// CreateAlert records an operational alert.
func (d *Database) CreateAlert(alert *Alert) error {
	if err := d.db.Create(alert).Error; err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts, optionally restricted to unacknowledged ones,
// newest first.
func (d *Database) ListAlerts(unacknowledgedOnly bool) ([]Alert, error) {
	query := d.db.Model(&Alert{})
	if unacknowledgedOnly {
		query = query.Where("acknowledged = ?", false)
	}

	var alerts []Alert
	if err := query.Order("id DESC").Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch alerts: %w", err)
	}
	return alerts, nil
}

// AcknowledgeAlert marks an alert as handled.
func (d *Database) AcknowledgeAlert(alertID string) error {
	result := d.db.Model(&Alert{}).Where("alert_id = ?", alertID).Update("acknowledged", true)
	if result.Error != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
