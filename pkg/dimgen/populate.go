package dimgen

import (
	"context"
	"fmt"
	"time"

	"github.com/streamhaus/songdwh/internal/logctx"
	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/warehouse"
)

// Populator loads the generated dimensions through the catalog: rows are
// encoded as CSV, uploaded as reference objects, and bulk-loaded by the
// warehouse engine.
type Populator struct {
	Conn           warehouse.Conn
	Putter         catalog.Putter
	ManifestBucket string
	DateDimKey     string
	TimeDimKey     string
	HorizonStart   time.Time
	HorizonYears   int
}

// Populate generates and loads both dimensions idempotently: a table whose
// row count already matches the horizon is skipped entirely; a non-empty
// mismatch is an error (no partial overwrite), fixed by an explicit truncate.
func (p *Populator) Populate(ctx context.Context) error {
	log := logctx.FromContext(ctx)

	expectedDates := int64(DayCount(p.HorizonStart, p.HorizonYears))
	done, err := p.checkExisting(ctx, p.Conn.Tables().DateDim, expectedDates)
	if err != nil {
		return err
	}
	if !done {
		rows := GenerateDates(p.HorizonStart, p.HorizonYears)
		data, err := EncodeDatesCSV(rows)
		if err != nil {
			return err
		}
		if err := p.loadReference(ctx, p.Conn.Tables().DateDim, p.DateDimKey, data); err != nil {
			return err
		}
		log.Info().Int("rows", len(rows)).Str("table", p.Conn.Tables().DateDim).Msg("date dimension populated")
	}

	done, err = p.checkExisting(ctx, p.Conn.Tables().TimeDim, SecondsPerDay)
	if err != nil {
		return err
	}
	if !done {
		rows := GenerateTimes()
		data, err := EncodeTimesCSV(rows)
		if err != nil {
			return err
		}
		if err := p.loadReference(ctx, p.Conn.Tables().TimeDim, p.TimeDimKey, data); err != nil {
			return err
		}
		log.Info().Int("rows", len(rows)).Str("table", p.Conn.Tables().TimeDim).Msg("time dimension populated")
	}

	return nil
}

// checkExisting reports whether the table already holds the full horizon.
func (p *Populator) checkExisting(ctx context.Context, table string, expected int64) (bool, error) {
	count, err := p.Conn.RowCount(ctx, table)
	if err != nil {
		return false, err
	}
	switch {
	case count == expected:
		logger := logctx.FromContext(ctx)
		logger.Debug().Str("table", table).Int64("rows", count).
			Msg("dimension already populated, skipping")
		return true, nil
	case count == 0:
		return false, nil
	default:
		return false, fmt.Errorf("%s holds %d rows, expected 0 or %d: truncate it before regenerating",
			table, count, expected)
	}
}

func (p *Populator) loadReference(ctx context.Context, table, key string, data []byte) error {
	if err := p.Putter.Put(ctx, p.ManifestBucket, key, data, "text/csv"); err != nil {
		return fmt.Errorf("upload reference csv for %s: %w", table, err)
	}
	if err := p.Conn.LoadReference(ctx, table, catalog.URI(p.ManifestBucket, key)); err != nil {
		return err
	}
	return nil
}
