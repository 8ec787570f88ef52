// Package etl orchestrates a pipeline run: manifest diff, staging bulk
// loads with commit verification, load-state advancement, and the
// dimension and fact builds, under a single-run advisory lock.
package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamhaus/songdwh/internal/logctx"
	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/config"
	"github.com/streamhaus/songdwh/pkg/dimgen"
	"github.com/streamhaus/songdwh/pkg/dims"
	"github.com/streamhaus/songdwh/pkg/facts"
	"github.com/streamhaus/songdwh/pkg/loadstate"
	"github.com/streamhaus/songdwh/pkg/manifest"
	"github.com/streamhaus/songdwh/pkg/retry"
	"github.com/streamhaus/songdwh/pkg/staging"
	"github.com/streamhaus/songdwh/pkg/warehouse"
)

// State is the run's position in the pipeline. FAILED is absorbing: once a
// step fails, no later step runs and the load state is not advanced for
// unconfirmed objects.
type State string

const (
	StateIdle            State = "IDLE"
	StateManifestBuilt   State = "MANIFEST_BUILT"
	StateStaged          State = "STAGED"
	StateDimensionsBuilt State = "DIMENSIONS_BUILT"
	StateFactsBuilt      State = "FACTS_BUILT"
	StateComplete        State = "COMPLETE"
	StateFailed          State = "FAILED"
)

// commitSkew widens the commit-history recency window so a warehouse whose
// clock trails ours slightly does not hide this run's own commits.
const commitSkew = 5 * time.Minute

// Summary is the run report.
type Summary struct {
	RunID    string
	State    State
	Started  time.Time
	Duration time.Duration

	// Manifest and staging outcome.
	EventEntries    int
	SongEntries     int
	EventsConfirmed int
	SongsConfirmed  int
	ObjectsMarked   int
	// MandatoryMissing lists mandatory object keys the warehouse never
	// committed; non-empty only on a manifest-integrity failure.
	MandatoryMissing []string

	// Star schema outcome.
	Users   dims.Stats
	Artists dims.Stats
	Songs   dims.Stats
	Facts   facts.Stats

	// TableRows are post-run data-check row counts per star table.
	TableRows map[string]int64
}

// Pipeline wires one run's collaborators. Zero-value fields other than
// Clock and Force must be set.
type Pipeline struct {
	Cfg  config.Config
	Cat  catalog.Catalog
	Conn warehouse.Conn

	// Force reloads every catalog object regardless of load state.
	Force bool
	// Clock is replaced in tests; nil means time.Now.
	Clock func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

// Run executes the full pipeline once and reports what happened. The
// returned Summary is meaningful on failure too: its State names the step
// that did not complete.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	runID := uuid.NewString()
	ctx = logctx.WithRun(ctx, runID)
	log := logctx.FromContext(ctx)

	start := p.now()
	sum := Summary{RunID: runID, State: StateIdle, Started: start}
	fail := func(err error) (Summary, error) {
		sum.State = StateFailed
		sum.Duration = p.now().Sub(start)
		log.Error().Err(err).Msg("run failed")
		return sum, err
	}

	attempts, base, max := p.Cfg.RetryPolicy()
	policy := retry.Policy{MaxAttempts: attempts, BaseDelay: base, MaxDelay: max}
	if err := policy.Validate(); err != nil {
		return fail(fmt.Errorf("retry policy: %w", err))
	}

	// The lock table must exist before the lock can be taken.
	if err := policy.Do(ctx, "ensure schema", p.Conn.EnsureSchema); err != nil {
		return fail(err)
	}

	if err := p.Conn.AcquireRunLock(ctx, runID); err != nil {
		if errors.Is(err, warehouse.ErrLockHeld) {
			return fail(fmt.Errorf("another run is in progress: %w", err))
		}
		return fail(err)
	}
	defer func() {
		// The lock must come off even when the run's context is canceled.
		if err := p.Conn.ReleaseRunLock(context.WithoutCancel(ctx), runID); err != nil {
			log.Error().Err(err).Msg("release run lock")
		}
	}()
	log.Info().Msg("run started")

	horizonStart, err := p.Cfg.Horizon.StartDate()
	if err != nil {
		return fail(err)
	}
	pop := &dimgen.Populator{
		Conn:           p.Conn,
		Putter:         p.Cat,
		ManifestBucket: p.Cfg.Catalog.ManifestBucket,
		DateDimKey:     p.Cfg.Catalog.DateDimKey,
		TimeDimKey:     p.Cfg.Catalog.TimeDimKey,
		HorizonStart:   horizonStart,
		HorizonYears:   p.Cfg.Horizon.Years,
	}
	if err := policy.Do(ctx, "populate calendar dimensions", pop.Populate); err != nil {
		return fail(err)
	}

	store := loadstate.NewStore(p.Conn)
	loaded, err := store.LoadedKeys(ctx)
	if err != nil {
		return fail(err)
	}

	events, eventURL, err := p.buildManifest(ctx, policy, "events",
		p.Cfg.Catalog.EventPrefix, p.Cfg.Catalog.EventManifestKey, manifest.AlwaysMandatory, loaded)
	if err != nil {
		return fail(err)
	}
	songs, songURL, err := p.buildManifest(ctx, policy, "songs",
		p.Cfg.Catalog.SongPrefix, p.Cfg.Catalog.SongManifestKey, manifest.NeverMandatory, loaded)
	if err != nil {
		return fail(err)
	}
	sum.EventEntries, sum.SongEntries = len(events), len(songs)
	sum.State = StateManifestBuilt

	loader := &staging.Loader{Conn: p.Conn, DataBucket: p.Cfg.Catalog.DataBucket}
	since := start.Add(-commitSkew)

	eventRes, err := p.loadStaging(ctx, policy, loader, p.Cfg.Tables.StagingEvents, eventURL, events, since)
	if err != nil {
		if eventRes != nil {
			sum.MandatoryMissing = eventRes.MandatoryMissing
		}
		return fail(err)
	}
	songRes, err := p.loadStaging(ctx, policy, loader, p.Cfg.Tables.StagingSongs, songURL, songs, since)
	if err != nil {
		if songRes != nil {
			sum.MandatoryMissing = songRes.MandatoryMissing
		}
		return fail(err)
	}
	sum.EventsConfirmed, sum.SongsConfirmed = len(eventRes.ConfirmedKeys), len(songRes.ConfirmedKeys)
	sum.State = StateStaged

	// Only commit-confirmed objects advance the load state; anything missing
	// stays eligible for the next run's manifest.
	confirmed := append(append([]string{}, eventRes.ConfirmedKeys...), songRes.ConfirmedKeys...)
	counts := make(map[string]int64, len(confirmed))
	for k, v := range eventRes.RowCounts {
		counts[k] = v
	}
	for k, v := range songRes.RowCounts {
		counts[k] = v
	}
	if err := store.MarkLoaded(ctx, confirmed, counts, p.now()); err != nil {
		return fail(err)
	}
	sum.ObjectsMarked = len(confirmed)

	builder := &dims.Builder{Conn: p.Conn}
	if sum.Users, err = builder.BuildUsers(ctx); err != nil {
		return fail(err)
	}
	if sum.Artists, err = builder.BuildArtists(ctx); err != nil {
		return fail(err)
	}
	if sum.Songs, err = builder.BuildSongs(ctx); err != nil {
		return fail(err)
	}
	sum.State = StateDimensionsBuilt

	factBuilder := &facts.Builder{Conn: p.Conn}
	if sum.Facts, err = factBuilder.Build(ctx); err != nil {
		return fail(err)
	}
	sum.State = StateFactsBuilt

	if sum.TableRows, err = p.checkTables(ctx); err != nil {
		return fail(err)
	}

	if p.Cfg.Debug.TruncateAfterRun {
		t := p.Cfg.Tables
		log.Warn().Msg("debug truncate after run is enabled")
		if err := p.Conn.Truncate(ctx,
			t.StagingEvents, t.StagingSongs,
			t.Songplays, t.SongDim, t.ArtistDim, t.UserDim); err != nil {
			return fail(err)
		}
	}

	sum.State = StateComplete
	sum.Duration = p.now().Sub(start)
	log.Info().
		Str("state", string(sum.State)).
		Int("event_entries", sum.EventEntries).
		Int("song_entries", sum.SongEntries).
		Int("objects_marked", sum.ObjectsMarked).
		Int("facts_inserted", sum.Facts.Inserted).
		Dur("duration", sum.Duration).
		Msg("run complete")
	return sum, nil
}

// buildManifest diffs one catalog prefix against the load state and uploads
// the manifest document. An empty diff skips the upload.
func (p *Pipeline) buildManifest(ctx context.Context, policy retry.Policy, source, prefix, key string,
	pol manifest.Policy, loaded map[string]bool) ([]manifest.Entry, string, error) {

	b := &manifest.Builder{
		Lister:     p.Cat,
		Putter:     p.Cat,
		DataBucket: p.Cfg.Catalog.DataBucket,
		Policy:     pol,
	}

	var entries []manifest.Entry
	err := policy.Do(ctx, "build "+source+" manifest", func(ctx context.Context) error {
		var err error
		entries, err = b.Build(ctx, prefix, loaded, p.Force)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		logger := logctx.FromContext(ctx)
		logger.Info().Str("source", source).Msg("no new objects to load")
		return entries, "", nil
	}

	var url string
	err = policy.Do(ctx, "upload "+source+" manifest", func(ctx context.Context) error {
		var err error
		url, err = b.Upload(ctx, p.Cfg.Catalog.ManifestBucket, key, entries)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return entries, url, nil
}

// checkTables counts every star-schema table after the build. An empty
// calendar dimension means the populate step silently did nothing, which is
// worth a warning even when the run itself succeeded.
func (p *Pipeline) checkTables(ctx context.Context) (map[string]int64, error) {
	log := logctx.FromContext(ctx)
	t := p.Cfg.Tables
	counts := make(map[string]int64)
	for _, table := range []string{t.UserDim, t.ArtistDim, t.SongDim, t.DateDim, t.TimeDim, t.Songplays} {
		n, err := p.Conn.RowCount(ctx, table)
		if err != nil {
			return nil, err
		}
		counts[table] = n
		if n == 0 && (table == t.DateDim || table == t.TimeDim) {
			log.Warn().Str("table", table).Msg("calendar dimension is empty after the run")
		}
	}
	return counts, nil
}

func (p *Pipeline) loadStaging(ctx context.Context, policy retry.Policy, loader *staging.Loader,
	table, manifestURL string, entries []manifest.Entry, since time.Time) (*staging.Result, error) {

	var res *staging.Result
	err := policy.Do(ctx, "stage "+table, func(ctx context.Context) error {
		var err error
		res, err = loader.Load(ctx, table, manifestURL, entries, since)
		return err
	})
	return res, err
}
