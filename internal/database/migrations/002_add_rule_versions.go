package migrations

import (
	"github.com/openfinex/inventory-api/internal/rules"
	"gorm.io/gorm"
)

// AddRuleVersions creates the rule and rule-version tables and the indexes
// backing active-rule resolution.
func AddRuleVersions(db *gorm.DB) error {
	if err := db.AutoMigrate(&rules.CalculationRule{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&rules.RuleVersion{}); err != nil {
		return err
	}

	indexes := []string{
		// Composite index for the winning-rule query
		`CREATE INDEX IF NOT EXISTS idx_rules_active_lookup
		 ON calculation_rules(rule_type, market, status, priority)`,

		// Index for effective-window filtering
		`CREATE INDEX IF NOT EXISTS idx_rules_effective
		 ON calculation_rules(effective_date, expiry_date)`,

		// Index for version history lookups
		`CREATE INDEX IF NOT EXISTS idx_rule_versions_rule
		 ON rule_versions(rule_id, version)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
