// internal/database/connection.go
package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/affiliate-backend/internal/config"
	"github.com/javajoker/affiliate-backend/internal/models"
)

func Initialize(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		// Unique violations surface as gorm.ErrDuplicatedKey; idempotency and
		// ledger sequencing both depend on it.
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Info),
	}
	if cfg.LogLevel == "silent" {
		gormConfig.Logger = logger.Default.LogMode(logger.Silent)
	}

	if cfg.Driver == "sqlite" {
		return OpenSQLite(cfg.DSN(), gormConfig)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)

	// Test connection
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.Info("Database connection established successfully")
	return db, nil
}

// OpenSQLite opens a single-connection sqlite database for local runs and
// tests. The ledger lock is always taken before a transaction starts, so one
// connection cannot deadlock.
func OpenSQLite(dsn string, gormConfig *gorm.Config) (*gorm.DB, error) {
	if gormConfig == nil {
		gormConfig = &gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.Silent),
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	return db, nil
}

func Close(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logrus.WithError(err).Error("Error getting underlying sql.DB")
		return
	}

	if err := sqlDB.Close(); err != nil {
		logrus.WithError(err).Error("Error closing database connection")
	} else {
		logrus.Info("Database connection closed successfully")
	}
}

// AutoMigrate creates or updates every table. It is dialect neutral so the
// same schema backs tests on sqlite.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Product{},
		&models.AffiliateLink{},
		&models.Order{},
		&models.CommissionRecord{},
		&models.LedgerEntry{},
		&models.Withdrawal{},
		&models.AffiliateStat{},
		&models.WebhookEvent{},
		&models.AuditLog{},
	)
}

func RunMigrations(db *gorm.DB) error {
	logrus.Info("Running database migrations...")

	if err := AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Create indexes
	if err := createIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logrus.Info("Database migrations completed successfully")
	return nil
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Ledger reads always fold one affiliate in sequence order
		"CREATE INDEX IF NOT EXISTS idx_ledger_entries_affiliate_created ON ledger_entries(affiliate_id, created_at)",

		// Order indexes
		"CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at DESC)",

		// Commission indexes
		"CREATE INDEX IF NOT EXISTS idx_commission_records_affiliate_state ON commission_records(affiliate_id, state, created_at)",

		// Withdrawal indexes
		"CREATE INDEX IF NOT EXISTS idx_withdrawals_affiliate_status ON withdrawals(affiliate_id, status)",

		// Audit indexes
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_user_action ON audit_logs(user_id, action)",
		"CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs(created_at DESC)",

		// Ledger rows are permanent
		`CREATE OR REPLACE RULE ledger_entries_no_update AS ON UPDATE TO ledger_entries DO INSTEAD NOTHING`,
		`CREATE OR REPLACE RULE ledger_entries_no_delete AS ON DELETE TO ledger_entries DO INSTEAD NOTHING`,
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}

	for _, index := range indexes {
		if err := db.Exec(index).Error; err != nil {
			logrus.WithError(err).WithField("statement", index).Warn("Failed to create index")
			// Continue with other indexes instead of failing completely
		}
	}

	return nil
}

// SeedDemoData inserts one vendor product and affiliate link for local
// development so the order endpoint can be exercised immediately.
func SeedDemoData(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.Product{}).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to count products: %w", err)
	}
	if count > 0 {
		return nil
	}

	affiliateID := uuid.New()
	product := &models.Product{
		VendorID:      uuid.New(),
		Title:         "Demo Product",
		Price:         10000,
		CommissionPct: 7,
		IsActive:      true,
	}

	return WithTransaction(db, func(tx *gorm.DB) error {
		if err := tx.Create(product).Error; err != nil {
			return fmt.Errorf("failed to create demo product: %w", err)
		}
		link := &models.AffiliateLink{
			Code:        "DEMO7",
			AffiliateID: affiliateID,
			ProductID:   product.ID,
			VendorID:    product.VendorID,
			Active:      true,
		}
		if err := tx.Create(link).Error; err != nil {
			return fmt.Errorf("failed to create demo link: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"product_id":   product.ID,
			"affiliate_id": affiliateID,
			"code":         link.Code,
		}).Info("Demo data seeded")
		return nil
	})
}

// Transaction helper
func WithTransaction(db *gorm.DB, fn func(*gorm.DB) error) error {
	tx := db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
