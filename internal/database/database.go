package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/imrishuroy/screening-gateway/internal/dicom"
	"github.com/imrishuroy/screening-gateway/internal/errs"
	"github.com/imrishuroy/screening-gateway/internal/relay"
)

// Open connects to the relational database holding relays and DICOM records.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err, "check context")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "database"))

	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, errs.Wrap(err, "ensure sqlite directory")
		}
		db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, errs.Wrap(err, "open sqlite db")
		}
		logger.Info("database opened", slog.String("driver", "sqlite"), slog.String("dsn", dsn))
		return db, nil
	case "postgres", "postgresql":
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, errs.Wrap(err, "open postgres db")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errs.Wrap(err, "get postgres pool")
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return nil, errs.Wrap(err, "ping postgres")
		}
		logger.Info("database opened", slog.String("driver", "postgres"))
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate creates or updates every table the service owns.
func Migrate(ctx context.Context, db *gorm.DB) error {
	models := append([]any{&relay.Relay{}}, dicom.Models()...)
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return errs.Wrap(err, "auto migrate")
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errs.Wrap(err, "get sql db")
	}
	return sqlDB.Close()
}

func ensureSQLiteDirectory(dsn string) error {
	candidate := strings.TrimSpace(dsn)
	if candidate == "" || candidate == ":memory:" {
		return nil
	}
	if strings.HasPrefix(strings.ToLower(candidate), "file:") {
		candidate = candidate[len("file:"):]
	}
	if idx := strings.Index(candidate, "?"); idx >= 0 {
		candidate = candidate[:idx]
	}

	dir := filepath.Dir(candidate)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrapf(err, "create sqlite directory %q", dir)
	}
	return nil
}
