package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/imrishuroy/screening-gateway/internal/dicom"
	"github.com/imrishuroy/screening-gateway/internal/relay"
)

func TestOpenAndMigrate_SQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "nested", "gateway.sqlite")
	db, err := Open(ctx, "sqlite", dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, model := range []any{&relay.Relay{}, &dicom.Study{}, &dicom.Series{}, &dicom.Instance{}} {
		if !db.Migrator().HasTable(model) {
			t.Fatalf("table for %T not created", model)
		}
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "dsn", nil); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
