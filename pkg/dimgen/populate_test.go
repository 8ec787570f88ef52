package dimgen

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/config"
	"github.com/streamhaus/songdwh/pkg/warehouse"
)

func newPopulator(t *testing.T) (*Populator, warehouse.Conn) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Warehouse.DSN = filepath.Join(t.TempDir(), "wh.db")

	store := catalog.NewStore()
	conn, err := warehouse.OpenLocal(ctx, cfg, store)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	return &Populator{
		Conn:           conn,
		Putter:         store,
		ManifestBucket: "manifests",
		DateDimKey:     "reference/dim_date.csv",
		TimeDimKey:     "reference/dim_time.csv",
		HorizonStart:   time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		HorizonYears:   1,
	}, conn
}

func TestPopulate(t *testing.T) {
	ctx := context.Background()
	pop, conn := newPopulator(t)

	if err := pop.Populate(ctx); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	dates, err := conn.RowCount(ctx, conn.Tables().DateDim)
	if err != nil {
		t.Fatalf("RowCount dates: %v", err)
	}
	if dates != 366 {
		t.Errorf("date rows = %d, want 366 (2020 is a leap year)", dates)
	}
	times, err := conn.RowCount(ctx, conn.Tables().TimeDim)
	if err != nil {
		t.Fatalf("RowCount times: %v", err)
	}
	if times != SecondsPerDay {
		t.Errorf("time rows = %d, want %d", times, SecondsPerDay)
	}
}

func TestPopulateIdempotent(t *testing.T) {
	ctx := context.Background()
	pop, conn := newPopulator(t)

	if err := pop.Populate(ctx); err != nil {
		t.Fatalf("first Populate: %v", err)
	}
	if err := pop.Populate(ctx); err != nil {
		t.Fatalf("second Populate: %v", err)
	}

	dates, _ := conn.RowCount(ctx, conn.Tables().DateDim)
	if dates != 366 {
		t.Errorf("date rows after repopulate = %d, want 366", dates)
	}
}

func TestPopulateRejectsPartialTable(t *testing.T) {
	ctx := context.Background()
	pop, conn := newPopulator(t)

	if err := pop.Populate(ctx); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if _, err := conn.DB().ExecContext(ctx,
		"DELETE FROM "+conn.Tables().DateDim+" WHERE date_key = 20200101"); err != nil {
		t.Fatalf("delete row: %v", err)
	}

	err := pop.Populate(ctx)
	if err == nil {
		t.Fatal("expected error for partially populated table")
	}
	if !strings.Contains(err.Error(), "truncate") {
		t.Errorf("expected truncate hint in error, got: %v", err)
	}
}
