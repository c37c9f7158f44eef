package database

import (
	"fmt"

	"github.com/openfinex/inventory-api/internal/database/migrations"
	"github.com/openfinex/inventory-api/internal/inventory"
	"github.com/openfinex/inventory-api/internal/orchestrator"
	"github.com/openfinex/inventory-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "inventory.db"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddInventoryCore(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddRuleVersions(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.AggregationUnitLimit{},
		&inventory.Locate{},
		&orchestrator.CalculationPass{},
		&orchestrator.Alert{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
