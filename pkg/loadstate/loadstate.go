// Package loadstate persists which source objects have been confirmed
// loaded. It is the only cross-run record the manifest diff consults, so it
// is advanced transactionally and only after the warehouse confirms commits.
package loadstate

import (
	"context"
	"fmt"
	"time"

	"github.com/streamhaus/songdwh/pkg/warehouse"
)

// Record is one confirmed-loaded object.
type Record struct {
	ObjectKey string
	LoadedAt  time.Time
	RowCount  int64
}

// Store reads and advances the load state through the warehouse handle.
type Store struct {
	conn warehouse.Conn
}

// NewStore binds the store to a warehouse connection.
func NewStore(conn warehouse.Conn) *Store {
	return &Store{conn: conn}
}

func (s *Store) table() string { return s.conn.Tables().LoadState }

// LoadedKeys returns the set of object keys confirmed loaded, for the
// manifest diff. Absence means "not yet loaded".
func (s *Store) LoadedKeys(ctx context.Context) (map[string]bool, error) {
	q := fmt.Sprintf("SELECT object_key FROM %s", s.table())
	rows, err := s.conn.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read load state: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan load state: %w", err)
		}
		loaded[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read load state: %w", err)
	}
	return loaded, nil
}

// MarkLoaded records confirmed keys in one transaction. Re-marking a key
// (force reload) overwrites its timestamp and row count, keeping the
// at-most-one-record-per-key invariant.
func (s *Store) MarkLoaded(ctx context.Context, keys []string, rowCounts map[string]int64, loadedAt time.Time) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin load state tx: %w", err)
	}
	defer tx.Rollback()

	del := s.conn.Rebind(fmt.Sprintf("DELETE FROM %s WHERE object_key = ?", s.table()))
	ins := s.conn.Rebind(fmt.Sprintf(
		"INSERT INTO %s (object_key, loaded_at, row_count) VALUES (?, ?, ?)", s.table()))

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, del, key); err != nil {
			return fmt.Errorf("replace load state for %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, ins, key, loadedAt.UTC(), rowCounts[key]); err != nil {
			return fmt.Errorf("mark %s loaded: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit load state: %w", err)
	}
	return nil
}

// Records returns the full load state, newest first. Used by operators and
// tests inspecting pipeline history.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	q := fmt.Sprintf("SELECT object_key, loaded_at, row_count FROM %s ORDER BY loaded_at DESC, object_key", s.table())
	rows, err := s.conn.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read load state records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ObjectKey, &r.LoadedAt, &r.RowCount); err != nil {
			return nil, fmt.Errorf("scan load state record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read load state records: %w", err)
	}
	return records, nil
}
