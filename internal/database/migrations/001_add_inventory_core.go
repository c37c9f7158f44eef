package migrations

import (
	"github.com/openfinex/inventory-api/internal/types"
	"gorm.io/gorm"
)

// AddInventoryCore creates the position and availability tables and the
// query indexes the calculation path depends on.
func AddInventoryCore(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Position{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.InventoryAvailability{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for the calculation fetch path
		`CREATE INDEX IF NOT EXISTS idx_positions_security_date
		 ON positions(security_id, business_date)`,

		// Index for calculation status sweeps
		`CREATE INDEX IF NOT EXISTS idx_positions_calc_status
		 ON positions(calculation_status)`,

		// Composite index for availability queries by security and date
		`CREATE INDEX IF NOT EXISTS idx_availability_security_date
		 ON inventory_availabilities(security_id, business_date)`,

		// Index for staleness filtering
		`CREATE INDEX IF NOT EXISTS idx_availability_status
		 ON inventory_availabilities(status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
