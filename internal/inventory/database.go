package inventory

import (
	"errors"
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

// GetAvailability fetches one availability row by its full key. Returns nil
// when no row exists yet.
func (d *Database) GetAvailability(securityID, counterpartyID, aggregationUnitID, calcType, businessDate string) (*types.InventoryAvailability, error) {
	var av types.InventoryAvailability
	err := d.db.Where(
		"security_id = ? AND counterparty_id = ? AND aggregation_unit_id = ? AND calculation_type = ? AND business_date = ?",
		securityID, counterpartyID, aggregationUnitID, calcType, businessDate,
	).First(&av).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch availability: %w", err)
	}
	return &av, nil
}

// SaveAvailability creates or replaces an availability row by its key.
func (d *Database) SaveAvailability(av *types.InventoryAvailability) error {
	existing, err := d.GetAvailability(av.SecurityID, av.CounterpartyID, av.AggregationUnitID, av.CalculationType, av.BusinessDate)
	if err != nil {
		return err
	}
	av.UpdatedAt = time.Now()
	if existing != nil {
		av.ID = existing.ID
		av.AvailabilityID = existing.AvailabilityID
		av.CreatedAt = existing.CreatedAt
		return d.db.Save(av).Error
	}
	av.CreatedAt = time.Now()
	return d.db.Create(av).Error
}

// Filter narrows availability queries.
type Filter struct {
	SecurityID        string
	CounterpartyID    string
	AggregationUnitID string
	CalculationType   string
	BusinessDate      string
	Market            string
	Temperature       string
	Status            string
}

// FindAvailability returns availability rows matching the filter.
func (d *Database) FindAvailability(f Filter) ([]types.InventoryAvailability, error) {
	query := d.db.Model(&types.InventoryAvailability{})
	if f.SecurityID != "" {
		query = query.Where("security_id = ?", f.SecurityID)
	}
	if f.CounterpartyID != "" {
		query = query.Where("counterparty_id = ?", f.CounterpartyID)
	}
	if f.AggregationUnitID != "" {
		query = query.Where("aggregation_unit_id = ?", f.AggregationUnitID)
	}
	if f.CalculationType != "" {
		query = query.Where("calculation_type = ?", f.CalculationType)
	}
	if f.BusinessDate != "" {
		query = query.Where("business_date = ?", f.BusinessDate)
	}
	if f.Market != "" {
		query = query.Where("market = ?", f.Market)
	}
	if f.Temperature != "" {
		query = query.Where("security_temperature = ?", f.Temperature)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var rows []types.InventoryAvailability
	if err := query.Order("security_id, calculation_type").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch availability: %w", err)
	}
	return rows, nil
}

// SaveReservation persists an availability mutation together with the
// locate that caused it in one transaction, so reserve and release stay
// atomic pairs.
func (d *Database) SaveReservation(av *types.InventoryAvailability, locate *Locate) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	av.UpdatedAt = time.Now()
	if err := tx.Save(av).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to save availability: %w", err)
	}

	locate.UpdatedAt = time.Now()
	if locate.ID == 0 {
		locate.CreatedAt = time.Now()
		if err := tx.Create(locate).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to create locate: %w", err)
		}
	} else if err := tx.Save(locate).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update locate: %w", err)
	}

	return tx.Commit().Error
}

// CreateLocate stores a locate that never touched availability (rejected
// requests).
func (d *Database) CreateLocate(locate *Locate) error {
	locate.CreatedAt = time.Now()
	locate.UpdatedAt = time.Now()
	return d.db.Create(locate).Error
}

// GetLocate retrieves a locate by its ID.
func (d *Database) GetLocate(locateID string) (*Locate, error) {
	var locate Locate
	if err := d.db.Where("locate_id = ?", locateID).First(&locate).Error; err != nil {
		return nil, err
	}
	return &locate, nil
}

// ListLocates returns locates for a security and business date.
func (d *Database) ListLocates(securityID, businessDate string) ([]Locate, error) {
	query := d.db.Model(&Locate{})
	if securityID != "" {
		query = query.Where("security_id = ?", securityID)
	}
	if businessDate != "" {
		query = query.Where("business_date = ?", businessDate)
	}
	var locates []Locate
	if err := query.Order("created_at DESC").Find(&locates).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch locates: %w", err)
	}
	return locates, nil
}
