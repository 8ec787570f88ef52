package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/config"
	"github.com/streamhaus/songdwh/pkg/retry"
)

// Redshift is the production engine. Bulk loads are COPY ... MANIFEST
// statements the cluster executes against S3 directly; commit verification
// reads the cluster's stl_load_commits history.
type Redshift struct {
	base
	iamRole string
	region  string
	// jsonOption maps staging table -> COPY JSON option ('auto' or a
	// jsonpaths locator).
	jsonOption map[string]string
}

var _ Conn = (*Redshift)(nil)

// MaxCopyErrors mirrors the MAXERROR tolerance for optional rows: malformed
// source records are skipped by the cluster up to this count.
const MaxCopyErrors = 100

// OpenRedshift connects to the cluster named by cfg.Warehouse.DSN.
func OpenRedshift(ctx context.Context, cfg config.Config) (*Redshift, error) {
	db, err := sql.Open("pgx", cfg.Warehouse.DSN)
	if err != nil {
		return nil, fmt.Errorf("open redshift: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, retry.Transient(fmt.Errorf("ping redshift: %w", err))
	}

	t := cfg.Tables
	return &Redshift{
		base:    base{db: db, tables: t, numbered: true},
		iamRole: cfg.Warehouse.IAMRole,
		region:  cfg.Warehouse.Region,
		jsonOption: map[string]string{
			t.StagingEvents: catalog.URI(cfg.Catalog.ManifestBucket, cfg.Catalog.EventJSONPathsKey),
			t.StagingSongs:  "auto",
		},
	}, nil
}

func (r *Redshift) EnsureSchema(ctx context.Context) error {
	return r.execAll(ctx, createStatements(r.tables, redshiftDDL))
}

func (r *Redshift) DropSchema(ctx context.Context) error {
	return r.execAll(ctx, dropStatements(r.tables))
}

func (r *Redshift) Truncate(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		if _, err := r.db.ExecContext(ctx, redshiftDDL.truncate(table)); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

// BulkLoad issues a single COPY referencing the manifest document, so the
// cluster fetches every entry in one operation.
func (r *Redshift) BulkLoad(ctx context.Context, table, manifestURL string) error {
	jsonOpt, ok := r.jsonOption[table]
	if !ok {
		return fmt.Errorf("no COPY options configured for table %q", table)
	}
	stmt := fmt.Sprintf(`COPY %s
FROM '%s'
IAM_ROLE '%s'
FORMAT AS JSON '%s'
MANIFEST
REGION '%s'
MAXERROR %d`, table, manifestURL, r.iamRole, jsonOpt, r.region, MaxCopyErrors)

	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return classify(fmt.Errorf("copy into %s from %s: %w", table, manifestURL, err))
	}
	return nil
}

// LoadReference COPYs a headered CSV into a reference dimension.
func (r *Redshift) LoadReference(ctx context.Context, table, objectURL string) error {
	stmt := fmt.Sprintf(`COPY %s
FROM '%s'
IAM_ROLE '%s'
FORMAT AS CSV
IGNOREHEADER 1
REGION '%s'`, table, objectURL, r.iamRole, r.region)

	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return classify(fmt.Errorf("copy reference into %s from %s: %w", table, objectURL, err))
	}
	return nil
}

// CommittedObjects reads the cluster's per-file commit history.
func (r *Redshift) CommittedObjects(ctx context.Context, urlPrefix string, since time.Time) (map[string]int64, error) {
	q := r.Rebind(`SELECT TRIM(filename), SUM(lines_scanned)
		FROM stl_load_commits
		WHERE TRIM(filename) LIKE ? AND curtime >= ?
		GROUP BY TRIM(filename)`)

	rows, err := r.db.QueryContext(ctx, q, likePrefix(urlPrefix), since)
	if err != nil {
		return nil, classify(fmt.Errorf("query stl_load_commits: %w", err))
	}
	defer rows.Close()

	committed := make(map[string]int64)
	for rows.Next() {
		var url string
		var lines sql.NullInt64
		if err := rows.Scan(&url, &lines); err != nil {
			return nil, fmt.Errorf("scan stl_load_commits: %w", err)
		}
		committed[url] = lines.Int64
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query stl_load_commits: %w", err)
	}
	return committed, nil
}

func (r *Redshift) AcquireRunLock(ctx context.Context, runID string) error {
	return r.acquireRunLock(ctx, runID)
}

func (r *Redshift) ReleaseRunLock(ctx context.Context, runID string) error {
	return r.releaseRunLock(ctx, runID)
}

func (r *Redshift) Close() error {
	return r.db.Close()
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix) + "%"
}

// classify marks errors transient unless the server rejected the statement.
// A PgError means the statement reached the cluster (schema, syntax, or
// authorization problem) and retrying cannot help; everything else is
// connectivity.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return retry.Transient(err)
}
