package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/boost"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationSeedBoostPlans = "2024-03-01_seed_boost_plans"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedBoostPlans, apply: seedBoostPlans},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// DefaultPlans is the catalogue seeded into an empty store.
func DefaultPlans() []boost.BoostPlan {
	return []boost.BoostPlan{
		{Title: "Starter", Description: "100 views", Price: 10, Views: 100, Reward: 5, Duration: 15, IsActive: true},
		{Title: "Growth", Description: "500 views", Price: 40, Views: 500, Reward: 7, Duration: 35, IsActive: true},
		{Title: "Pro", Description: "1000 views", Price: 70, Views: 1000, Reward: 9, Duration: 55, IsActive: true},
		{Title: "Influencer", Description: "5000 views", Price: 300, Views: 5000, Reward: 11, Duration: 75, IsActive: true},
	}
}

func seedBoostPlans(db *gorm.DB) error {
	var count int64
	if err := db.Model(&boost.BoostPlan{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	plans := DefaultPlans()
	return db.Create(&plans).Error
}
