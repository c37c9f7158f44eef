package position

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

// Upsert writes a position keyed by (book_id, security_id, business_date).
// The write is idempotent on the key: an existing row is replaced only when
// the incoming record version is strictly greater, otherwise
// types.ErrStaleWrite is returned and the row is left untouched.
func (d *Database) Upsert(p *types.Position) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var existing types.Position
	err := tx.Where("book_id = ? AND security_id = ? AND business_date = ?",
		p.BookID, p.SecurityID, p.BusinessDate).First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		p.PositionID = "POS_" + uuid.New().String()
		if p.RecordVersion < 1 {
			p.RecordVersion = 1
		}
		p.CreatedAt = time.Now()
		p.UpdatedAt = time.Now()
		if err := tx.Create(p).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create position: %w", err)
		}

	case err != nil:
		tx.Rollback()
		return fmt.Errorf("failed to fetch position: %w", err)

	default:
		if p.RecordVersion <= existing.RecordVersion {
			tx.Rollback()
			return fmt.Errorf("%w: incoming %d, stored %d",
				types.ErrStaleWrite, p.RecordVersion, existing.RecordVersion)
		}
		p.ID = existing.ID
		p.PositionID = existing.PositionID
		p.CreatedAt = existing.CreatedAt
		p.UpdatedAt = time.Now()
		if err := tx.Save(p).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to update position: %w", err)
		}
	}

	return tx.Commit().Error
}

// Filter narrows position queries. Empty fields are ignored; BusinessDate is
// required.
type Filter struct {
	BookID            string
	SecurityID        string
	CounterpartyID    string
	AggregationUnitID string
	BusinessDate      string
	Status            string
}

// FindBy returns positions matching the filter.
func (d *Database) FindBy(f Filter) ([]types.Position, error) {
	if f.BusinessDate == "" {
		return nil, fmt.Errorf("business date is required")
	}

	query := d.db.Where("business_date = ?", f.BusinessDate)
	if f.BookID != "" {
		query = query.Where("book_id = ?", f.BookID)
	}
	if f.SecurityID != "" {
		query = query.Where("security_id = ?", f.SecurityID)
	}
	if f.CounterpartyID != "" {
		query = query.Where("counterparty_id = ?", f.CounterpartyID)
	}
	if f.AggregationUnitID != "" {
		query = query.Where("aggregation_unit_id = ?", f.AggregationUnitID)
	}
	if f.Status != "" {
		query = query.Where("calculation_status = ?", f.Status)
	}

	var positions []types.Position
	if err := query.Order("book_id, security_id").Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	return positions, nil
}

// FindBySecurity returns every position for a security on a business date.
func (d *Database) FindBySecurity(securityID, businessDate string) ([]types.Position, error) {
	return d.FindBy(Filter{SecurityID: securityID, BusinessDate: businessDate})
}

// BulkSetStatus marks every position for the business date with the given
// calculation status, returning the number of rows updated.
func (d *Database) BulkSetStatus(status, securityID, businessDate string) (int64, error) {
	query := d.db.Model(&types.Position{}).
		Where("business_date = ?", businessDate)
	if securityID != "" {
		query = query.Where("security_id = ?", securityID)
	}
	result := query.Updates(map[string]interface{}{
		"calculation_status": status,
		"updated_at":         time.Now(),
	})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to bulk set status: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteBefore removes position snapshots older than the given business
// date. History beyond the retention window has moved to cold storage.
func (d *Database) DeleteBefore(businessDate string) (int64, error) {
	result := d.db.Unscoped().
		Where("business_date < ?", businessDate).
		Delete(&types.Position{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete positions: %w", result.Error)
	}
	return result.RowsAffected, nil
}
