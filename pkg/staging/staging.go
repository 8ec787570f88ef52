// Package staging loads staging tables from manifests and verifies that
// every mandatory entry was actually committed by the warehouse.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamhaus/songdwh/internal/logctx"
	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/manifest"
	"github.com/streamhaus/songdwh/pkg/warehouse"
)

// ErrMandatoryMissing is the manifest-integrity failure: a mandatory entry
// did not appear in the warehouse commit record. The run must fail without
// advancing the load state.
var ErrMandatoryMissing = errors.New("staging: mandatory manifest entry not committed")

// Loader bulk-loads one staging table per manifest and cross-checks the
// warehouse commit history afterwards.
type Loader struct {
	Conn       warehouse.Conn
	DataBucket string
}

// Result reports what a bulk load actually committed.
type Result struct {
	Table string
	// ConfirmedKeys are object keys (mandatory and optional) present in the
	// commit record; only these may be marked loaded.
	ConfirmedKeys []string
	// RowCounts maps confirmed keys to committed row counts.
	RowCounts map[string]int64
	// MandatoryMissing lists mandatory keys absent from the commit record.
	MandatoryMissing []string
}

// Load issues one bulk-load operation for the table (not one per file) and
// verifies each mandatory entry against the commit history recorded at or
// after since. Optional entries that failed silently are simply left out of
// ConfirmedKeys; a missing mandatory entry returns ErrMandatoryMissing
// alongside the partial result.
func (l *Loader) Load(ctx context.Context, table, manifestURL string, entries []manifest.Entry, since time.Time) (*Result, error) {
	log := logctx.FromContext(ctx)
	res := &Result{Table: table, RowCounts: make(map[string]int64)}

	if len(entries) == 0 {
		log.Info().Str("table", table).Msg("manifest empty, nothing to load")
		return res, nil
	}

	if err := l.Conn.BulkLoad(ctx, table, manifestURL); err != nil {
		return nil, fmt.Errorf("bulk load %s: %w", table, err)
	}

	committed, err := l.Conn.CommittedObjects(ctx, "s3://"+l.DataBucket+"/", since)
	if err != nil {
		return nil, fmt.Errorf("verify commits for %s: %w", table, err)
	}

	for _, e := range entries {
		url := catalog.URI(l.DataBucket, e.Key)
		if rows, ok := committed[url]; ok {
			res.ConfirmedKeys = append(res.ConfirmedKeys, e.Key)
			res.RowCounts[e.Key] = rows
			continue
		}
		if e.Mandatory {
			res.MandatoryMissing = append(res.MandatoryMissing, e.Key)
		} else {
			log.Warn().Str("table", table).Str("object_key", e.Key).
				Msg("optional entry not committed, will be retried next run")
		}
	}

	if len(res.MandatoryMissing) > 0 {
		return res, fmt.Errorf("%w: table %s missing %d of %d entries (first: %s)",
			ErrMandatoryMissing, table, len(res.MandatoryMissing), len(entries), res.MandatoryMissing[0])
	}

	log.Info().
		Str("table", table).
		Int("entries", len(entries)).
		Int("confirmed", len(res.ConfirmedKeys)).
		Msg("staging load confirmed")
	return res, nil
}

// Truncate empties a staging or target table. Used only for controlled
// re-runs, never invoked automatically mid-run.
func (l *Loader) Truncate(ctx context.Context, tables ...string) error {
	return l.Conn.Truncate(ctx, tables...)
}
