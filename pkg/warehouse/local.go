package warehouse

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/streamhaus/songdwh/internal/logctx"
	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/config"
	"github.com/streamhaus/songdwh/pkg/manifest"
)

// Local is the sqlite engine for development runs and hermetic tests. It has
// no server-side COPY, so BulkLoad fetches manifest entries from the catalog
// and inserts them in-process, recording per-object commits in its own
// commit-history table to mirror the cluster's stl_load_commits.
type Local struct {
	base
	getter catalog.Getter

	// writeMu serializes insert transactions while object fetches fan out.
	writeMu sync.Mutex
}

var _ Conn = (*Local)(nil)

// localCommitsTable mirrors stl_load_commits for the local engine.
const localCommitsTable = "etl_load_commits"

// loadConcurrency bounds parallel object fetches during a bulk load.
const loadConcurrency = 4

// insertBatchRows is the number of rows per multi-row INSERT statement.
const insertBatchRows = 500

// OpenLocal opens or creates the sqlite database at cfg.Warehouse.DSN.
func OpenLocal(ctx context.Context, cfg config.Config, getter catalog.Getter) (*Local, error) {
	db, err := sql.Open("sqlite3", cfg.Warehouse.DSN+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open local warehouse: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}

	return &Local{
		base:   base{db: db, tables: cfg.Tables, numbered: false},
		getter: getter,
	}, nil
}

func (l *Local) EnsureSchema(ctx context.Context) error {
	stmts := createStatements(l.tables, sqliteDDL)
	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    object_url TEXT PRIMARY KEY
    ,table_name TEXT NOT NULL
    ,row_count INTEGER NOT NULL
    ,committed_at TEXT NOT NULL
)`, localCommitsTable))
	return l.execAll(ctx, stmts)
}

func (l *Local) DropSchema(ctx context.Context) error {
	stmts := dropStatements(l.tables)
	stmts = append(stmts, "DROP TABLE IF EXISTS "+localCommitsTable)
	return l.execAll(ctx, stmts)
}

func (l *Local) Truncate(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		if _, err := l.db.ExecContext(ctx, sqliteDDL.truncate(table)); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}

// BulkLoad fetches the manifest document and loads every entry it can.
// Per-object failures are logged and skipped without a commit record, so the
// staging loader's verification pass decides whether the run survives them.
func (l *Local) BulkLoad(ctx context.Context, table, manifestURL string) error {
	log := logctx.FromContext(ctx)

	doc, err := l.fetchManifest(ctx, manifestURL)
	if err != nil {
		return err
	}

	dec, err := decoderForTable(table, l.tables)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)

	for _, entry := range doc.Entries {
		g.Go(func() error {
			rows, err := l.fetchRows(gctx, entry.URL, dec)
			if err != nil {
				// Mirrors MAXERROR: the object yields no commit record and
				// the verification pass catches missing mandatory entries.
				log.Warn().Str("object", entry.URL).Err(err).Msg("skipping unloadable object")
				return nil
			}
			return l.commitObject(gctx, table, entry.URL, dec.columns, rows)
		})
	}
	return g.Wait()
}

func (l *Local) fetchManifest(ctx context.Context, manifestURL string) (*manifest.Document, error) {
	bucket, key, err := catalog.ParseURI(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}
	rc, _, err := l.getter.Get(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", manifestURL, err)
	}
	defer rc.Close()
	doc, err := manifest.ParseDocument(rc)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", manifestURL, err)
	}
	return doc, nil
}

func (l *Local) fetchRows(ctx context.Context, objectURL string, dec *stagingDecoder) ([][]any, error) {
	bucket, key, err := catalog.ParseURI(objectURL)
	if err != nil {
		return nil, err
	}
	rc, size, err := l.getter.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return dec.decode(key, rc, size)
}

// commitObject inserts an object's rows and its commit record in one
// transaction, so an object is either fully committed or absent from the
// commit history.
func (l *Local) commitObject(ctx context.Context, table, objectURL string, columns []string, rows [][]any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertBatched(ctx, tx, table, columns, rows); err != nil {
		return fmt.Errorf("load %s into %s: %w", objectURL, table, err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s (object_url, table_name, row_count, committed_at) VALUES (?, ?, ?, ?)", localCommitsTable),
		objectURL, table, len(rows), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record commit for %s: %w", objectURL, err)
	}

	return tx.Commit()
}

// LoadReference loads a headered CSV object into a reference table.
func (l *Local) LoadReference(ctx context.Context, table, objectURL string) error {
	bucket, key, err := catalog.ParseURI(objectURL)
	if err != nil {
		return err
	}
	rc, _, err := l.getter.Get(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("fetch reference %s: %w", objectURL, err)
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read reference header %s: %w", objectURL, err)
	}

	var rows [][]any
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read reference %s: %w", objectURL, err)
		}
		row := make([]any, len(record))
		for i, v := range record {
			row[i] = v
		}
		rows = append(rows, row)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reference tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertBatched(ctx, tx, table, header, rows); err != nil {
		return fmt.Errorf("load reference into %s: %w", table, err)
	}
	return tx.Commit()
}

// CommittedObjects reads the local commit history.
// Stored timestamps are RFC3339 UTC, so string comparison orders correctly.
func (l *Local) CommittedObjects(ctx context.Context, urlPrefix string, since time.Time) (map[string]int64, error) {
	q := fmt.Sprintf("SELECT object_url, row_count FROM %s WHERE object_url LIKE ? ESCAPE '\\' AND committed_at >= ?", localCommitsTable)
	rows, err := l.db.QueryContext(ctx, q, likePrefix(urlPrefix), since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", localCommitsTable, err)
	}
	defer rows.Close()

	committed := make(map[string]int64)
	for rows.Next() {
		var url string
		var count int64
		if err := rows.Scan(&url, &count); err != nil {
			return nil, fmt.Errorf("scan %s: %w", localCommitsTable, err)
		}
		committed[url] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", localCommitsTable, err)
	}
	return committed, nil
}

func (l *Local) AcquireRunLock(ctx context.Context, runID string) error {
	return l.acquireRunLock(ctx, runID)
}

func (l *Local) ReleaseRunLock(ctx context.Context, runID string) error {
	return l.releaseRunLock(ctx, runID)
}

func (l *Local) Close() error {
	return l.db.Close()
}

// insertBatched executes multi-row INSERTs of up to insertBatchRows rows.
func insertBatched(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	for start := 0; start < len(rows); start += insertBatchRows {
		end := min(start+insertBatchRows, len(rows))
		batch := rows[start:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(columns))
		for i, row := range batch {
			if len(row) != len(columns) {
				return fmt.Errorf("%w: row has %d values, table %s has %d columns",
					ErrSchemaMismatch, len(row), table, len(columns))
			}
			placeholders[i] = rowPlaceholder
			args = append(args, row...)
		}

		if _, err := tx.ExecContext(ctx, prefix+strings.Join(placeholders, ","), args...); err != nil {
			return fmt.Errorf("insert batch into %s: %w", table, err)
		}
	}
	return nil
}
