package limits

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfinex/inventory-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetLimit fetches the limit row for (aggregation unit, security, business
// date). Returns nil when none exists.
func (d *Database) GetLimit(aggregationUnitID, securityID, businessDate string) (*types.AggregationUnitLimit, error) {
	var limit types.AggregationUnitLimit
	err := d.db.Where(
		"aggregation_unit_id = ? AND security_id = ? AND business_date = ?",
		aggregationUnitID, securityID, businessDate,
	).First(&limit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch limit: %w", err)
	}
	return &limit, nil
}

// SaveLimit creates or replaces a limit row by its key.
func (d *Database) SaveLimit(limit *types.AggregationUnitLimit) error {
	existing, err := d.GetLimit(limit.AggregationUnitID, limit.SecurityID, limit.BusinessDate)
	if err != nil {
		return err
	}
	limit.UpdatedAt = time.Now()
	if existing != nil {
		limit.ID = existing.ID
		limit.LimitID = existing.LimitID
		limit.CreatedAt = existing.CreatedAt
		return d.db.Save(limit).Error
	}
	if limit.LimitID == "" {
		limit.LimitID = "LIM_" + uuid.New().String()
	}
	limit.CreatedAt = time.Now()
	return d.db.Create(limit).Error
}

// Filter narrows limit queries.
type Filter struct {
	AggregationUnitID string
	SecurityID        string
	BusinessDate      string
	Market            string
}

// FindLimits returns limit rows matching the filter.
func (d *Database) FindLimits(f Filter) ([]types.AggregationUnitLimit, error) {
	query := d.db.Model(&types.AggregationUnitLimit{})
	if f.AggregationUnitID != "" {
		query = query.Where("aggregation_unit_id = ?", f.AggregationUnitID)
	}
	if f.SecurityID != "" {
		query = query.Where("security_id = ?", f.SecurityID)
	}
	if f.BusinessDate != "" {
		query = query.Where("business_date = ?", f.BusinessDate)
	}
	if f.Market != "" {
		query = query.Where("market = ?", f.Market)
	}

	var matched []types.AggregationUnitLimit
	if err := query.Order("aggregation_unit_id, security_id").Find(&matched).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch limits: %w", err)
	}
	return matched, nil
}
