package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations creates and evolves the schema. Migration IDs are append-only.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_analysis_rules",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&RuleRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("analysis_rules")
			},
		},
		{
			ID: "002_organization_profiles",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ProfileRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("organization_profiles")
			},
		},
		{
			// Claims scan (status, next_attempt_at) and count RUNNING per organization.
			ID: "003_analysis_tasks",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&TaskRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("analysis_tasks")
			},
		},
		{
			ID: "004_analysis_results",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&ResultRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("analysis_results")
			},
		},
		{
			ID: "005_analysis_feedback",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&FeedbackRow{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("analysis_feedback")
			},
		},
		{
			ID: "006_delivered_events",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&DeliveredEvent{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("delivered_events")
			},
		},
	})
	return m.Migrate()
}
