// Package warehouse provides database/sql access to the analytics warehouse
// behind two engines: redshift (pgx driver, bulk loads via COPY ... MANIFEST)
// and local (sqlite, bulk loads performed in-process from the catalog).
//
// Both engines expose the same Conn surface, so the staging loader, the
// dimension/fact builders, and the load-state store are engine-agnostic.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/config"
)

// ErrSchemaMismatch marks an unexpected staging shape. Fatal: the run fails
// immediately, before any write.
var ErrSchemaMismatch = errors.New("warehouse: staging schema mismatch")

// ErrLockHeld is returned when another run holds the run lock.
var ErrLockHeld = errors.New("warehouse: run lock held by another run")

// Conn is the warehouse handle shared by every pipeline component.
type Conn interface {
	// DB exposes the underlying handle for component-owned SQL.
	DB() *sql.DB
	// Rebind converts ?-style placeholders to the engine's syntax.
	Rebind(query string) string
	// Tables returns the configured table names.
	Tables() config.Tables

	// EnsureSchema creates all pipeline tables if absent. Idempotent.
	EnsureSchema(ctx context.Context) error
	// DropSchema drops all pipeline tables.
	DropSchema(ctx context.Context) error
	// Truncate empties the given tables. Used only for controlled re-runs,
	// never invoked automatically mid-run.
	Truncate(ctx context.Context, tables ...string) error
	// RowCount counts rows in a table.
	RowCount(ctx context.Context, table string) (int64, error)

	// BulkLoad issues one bulk-load operation for the staging table,
	// referencing the uploaded manifest document.
	BulkLoad(ctx context.Context, table, manifestURL string) error
	// LoadReference loads a headered CSV object into a reference table
	// (date/time dimensions).
	LoadReference(ctx context.Context, table, objectURL string) error
	// CommittedObjects returns object URL -> committed row count from the
	// engine's load-commit history, for URLs starting with urlPrefix and
	// commits at or after since. The recency bound keeps a previous run's
	// history from confirming this run's load.
	CommittedObjects(ctx context.Context, urlPrefix string, since time.Time) (map[string]int64, error)

	// AcquireRunLock takes the single-run advisory lock or returns
	// ErrLockHeld. ReleaseRunLock releases it; releasing a lock held by a
	// different run is a no-op.
	AcquireRunLock(ctx context.Context, runID string) error
	ReleaseRunLock(ctx context.Context, runID string) error

	Close() error
}

// Open connects to the warehouse engine named in cfg. The catalog is used
// only by the local engine, which performs bulk loads in-process.
func Open(ctx context.Context, cfg config.Config, cat catalog.Catalog) (Conn, error) {
	switch cfg.Warehouse.Engine {
	case config.EngineRedshift:
		return OpenRedshift(ctx, cfg)
	case config.EngineLocal:
		return OpenLocal(ctx, cfg, cat)
	default:
		return nil, fmt.Errorf("unknown warehouse engine %q", cfg.Warehouse.Engine)
	}
}

// base carries what both engines share.
type base struct {
	db       *sql.DB
	tables   config.Tables
	numbered bool // true: $N placeholders, false: ?
}

func (b *base) DB() *sql.DB           { return b.db }
func (b *base) Tables() config.Tables { return b.tables }

// Rebind converts ?-placeholders to $N when the engine needs numbered ones.
func (b *base) Rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

func (b *base) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// acquireRunLock inserts the marker row iff absent. Works on both engines
// without driver-specific constraint error inspection.
func (b *base) acquireRunLock(ctx context.Context, runID string) error {
	q := b.Rebind(fmt.Sprintf(
		`INSERT INTO %s (lock_id, run_id, acquired_at)
		 SELECT 1, ?, CURRENT_TIMESTAMP
		 WHERE NOT EXISTS (SELECT 1 FROM %s WHERE lock_id = 1)`,
		b.tables.RunLock, b.tables.RunLock))
	res, err := b.db.ExecContext(ctx, q, runID)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

func (b *base) releaseRunLock(ctx context.Context, runID string) error {
	q := b.Rebind(fmt.Sprintf("DELETE FROM %s WHERE lock_id = 1 AND run_id = ?", b.tables.RunLock))
	if _, err := b.db.ExecContext(ctx, q, runID); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

func (b *base) execAll(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
