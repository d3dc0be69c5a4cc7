package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sifan077/RoomGate/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// NewGorm opens the audit database. SQL warnings and slow queries go to log.
func NewGorm(cfg config.PostgresConfig, log *zap.Logger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := gorm.Open(postgres.Open(ConnString(cfg)), &gorm.Config{
		Logger:                                   newGormLogger(log),
		DisableForeignKeyConstraintWhenMigrating: true,
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: open gorm connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: retrieve sql db: %w", err)
	}

	// Audit writers get a quarter of the configured pool, never fewer than four.
	maxOpen := 4
	if cfg.MaxConns > 0 && int(cfg.MaxConns)/4 > maxOpen {
		maxOpen = int(cfg.MaxConns) / 4
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen / 2)
	if lifetime, err := time.ParseDuration(cfg.MaxConnLifetime); err == nil && lifetime > 0 {
		sqlDB.SetConnMaxLifetime(lifetime)
	}

	return db, nil
}

// AutoMigrate creates or updates the tables behind models.
func AutoMigrate(ctx context.Context, db *gorm.DB, models ...interface{}) error {
	if db == nil || len(models) == 0 {
		return nil
	}
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("postgres: auto migrate: %w", err)
	}
	return nil
}

// gormWriter routes gorm's printf-style output into zap.
type gormWriter struct {
	log *zap.SugaredLogger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warnf(strings.TrimSpace(format), args...)
}

func newGormLogger(log *zap.Logger) gormlogger.Interface {
	return gormlogger.New(gormWriter{log: log.Named("gorm").Sugar()}, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
