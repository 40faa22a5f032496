package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/viewboost/backend/internal/boost"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrMissingDSN        = errors.New("database: dsn is required")
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
)

// Config selects the backing store.
type Config struct {
	Driver             string
	DSN                string
	MaxOpenConns       int
	SlowQueryThreshold time.Duration
	LogQueries         bool
}

// Open connects to the configured store, migrates the schema and applies pending data migrations.
func Open(cfg Config, zapLogger *zap.Logger) (*gorm.DB, error) {
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, ErrMissingDSN
	}

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}

	level := logger.Warn
	if cfg.LogQueries {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(zapLogger, level, cfg.SlowQueryThreshold),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	switch {
	case driver == DriverSQLite:
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := migrateSchema(db); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, zapLogger); err != nil {
		return nil, err
	}

	zapLogger.Info("database initialized", zap.String("driver", driver))
	return db, nil
}

func migrateSchema(db *gorm.DB) error {
	models := append(boost.Models(), &migrationRecord{})
	return db.AutoMigrate(models...)
}
