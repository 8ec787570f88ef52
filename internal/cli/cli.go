// Package cli implements the command-line interface for songdwh.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamhaus/songdwh/internal/logctx"
	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/config"
	"github.com/streamhaus/songdwh/pkg/dimgen"
	"github.com/streamhaus/songdwh/pkg/etl"
	"github.com/streamhaus/songdwh/pkg/humanfmt"
	"github.com/streamhaus/songdwh/pkg/logging"
	"github.com/streamhaus/songdwh/pkg/warehouse"
)

const usage = "usage: songdwh <command> [options]\ncommands: run, create-tables, drop-tables, populate-datetime, truncate"

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "run":
		return runPipeline(args[1:])
	case "create-tables":
		return runCreateTables(args[1:])
	case "drop-tables":
		return runDropTables(args[1:])
	case "populate-datetime":
		return runPopulateDatetime(args[1:])
	case "truncate":
		return runTruncate(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(fs *flag.FlagSet) (configPath *string, debug, human *bool) {
	configPath = fs.String("config", "", "path to the TOML configuration file")
	debug = fs.Bool("debug", false, "enable debug logging")
	human = fs.Bool("human", false, "human-readable console output")
	return configPath, debug, human
}

// setup parses common flags, loads configuration, and opens the warehouse.
// The returned context cancels on SIGINT/SIGTERM.
func setup(fs *flag.FlagSet, args []string) (context.Context, context.CancelFunc, config.Config, catalog.Catalog, warehouse.Conn, error) {
	configPath, debug, human := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, config.Config{}, nil, nil, err
	}
	if *configPath == "" {
		return nil, nil, config.Config{}, nil, nil, errors.New("--config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, config.Config{}, nil, nil, err
	}

	logging.Init(*debug, *human)
	logctx.SetDefaultLogger(*logging.L())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cat, err := openCatalog(ctx, cfg)
	if err != nil {
		cancel()
		return nil, nil, config.Config{}, nil, nil, err
	}
	conn, err := warehouse.Open(ctx, cfg, cat)
	if err != nil {
		cancel()
		return nil, nil, config.Config{}, nil, nil, err
	}
	return ctx, cancel, cfg, cat, conn, nil
}

// openCatalog picks the object catalog for the configured engine. The local
// engine reads through the same S3 client; tests substitute the in-memory
// store by driving the pipeline directly.
func openCatalog(ctx context.Context, cfg config.Config) (catalog.Catalog, error) {
	return catalog.NewClient(ctx, cfg.Warehouse.Region)
}

func runPipeline(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	force := fs.Bool("force", false, "reload every catalog object, ignoring the load state")
	truncateAfter := fs.Bool("truncate-after", false, "empty staging and star tables after a successful run")

	ctx, cancel, cfg, cat, conn, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer conn.Close()

	if *truncateAfter {
		cfg.Debug.TruncateAfterRun = true
	}
	p := &etl.Pipeline{Cfg: cfg, Cat: cat, Conn: conn, Force: *force}
	sum, err := p.Run(ctx)
	printSummary(sum)
	return err
}

func runCreateTables(args []string) error {
	fs := flag.NewFlagSet("create-tables", flag.ContinueOnError)
	ctx, cancel, _, _, conn, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer conn.Close()

	if err := conn.EnsureSchema(ctx); err != nil {
		return err
	}
	logging.L().Info().Msg("schema created")
	return nil
}

func runDropTables(args []string) error {
	fs := flag.NewFlagSet("drop-tables", flag.ContinueOnError)
	confirm := fs.Bool("yes", false, "confirm dropping every pipeline table")
	ctx, cancel, _, _, conn, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer conn.Close()

	if !*confirm {
		return errors.New("drop-tables destroys all pipeline tables; pass --yes to confirm")
	}
	if err := conn.DropSchema(ctx); err != nil {
		return err
	}
	logging.L().Info().Msg("schema dropped")
	return nil
}

func runPopulateDatetime(args []string) error {
	fs := flag.NewFlagSet("populate-datetime", flag.ContinueOnError)
	ctx, cancel, cfg, cat, conn, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer conn.Close()

	if err := conn.EnsureSchema(ctx); err != nil {
		return err
	}
	start, err := cfg.Horizon.StartDate()
	if err != nil {
		return err
	}
	pop := &dimgen.Populator{
		Conn:           conn,
		Putter:         cat,
		ManifestBucket: cfg.Catalog.ManifestBucket,
		DateDimKey:     cfg.Catalog.DateDimKey,
		TimeDimKey:     cfg.Catalog.TimeDimKey,
		HorizonStart:   start,
		HorizonYears:   cfg.Horizon.Years,
	}
	return pop.Populate(ctx)
}

func runTruncate(args []string) error {
	fs := flag.NewFlagSet("truncate", flag.ContinueOnError)
	staging := fs.Bool("staging", false, "truncate the staging tables")
	star := fs.Bool("star", false, "truncate the dimension and fact tables (not the calendar)")
	calendar := fs.Bool("calendar", false, "truncate the date and time dimensions")

	ctx, cancel, cfg, _, conn, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cancel()
	defer conn.Close()

	t := cfg.Tables
	var tables []string
	if *staging {
		tables = append(tables, t.StagingEvents, t.StagingSongs)
	}
	if *star {
		tables = append(tables, t.Songplays, t.SongDim, t.ArtistDim, t.UserDim)
	}
	if *calendar {
		tables = append(tables, t.DateDim, t.TimeDim)
	}
	if len(tables) == 0 {
		return errors.New("nothing selected: pass --staging, --star, and/or --calendar")
	}
	if err := conn.Truncate(ctx, tables...); err != nil {
		return err
	}
	logging.L().Info().Strs("tables", tables).Msg("tables truncated")
	return nil
}

func printSummary(sum etl.Summary) {
	log := logging.L()
	ev := log.Info()
	if sum.State == etl.StateFailed {
		ev = log.Error()
	}
	if len(sum.MandatoryMissing) > 0 {
		ev = ev.Strs("mandatory_missing", sum.MandatoryMissing)
	}
	ev.Str("run_id", sum.RunID).
		Str("state", string(sum.State)).
		Str("duration", humanfmt.Duration(sum.Duration)).
		Str("event_entries", humanfmt.Count(int64(sum.EventEntries))).
		Str("song_entries", humanfmt.Count(int64(sum.SongEntries))).
		Int("events_confirmed", sum.EventsConfirmed).
		Int("songs_confirmed", sum.SongsConfirmed).
		Int("objects_marked", sum.ObjectsMarked).
		Int("users_inserted", sum.Users.Inserted).
		Int("artists_inserted", sum.Artists.Inserted).
		Int("songs_inserted", sum.Songs.Inserted).
		Int("playbacks", sum.Facts.Playbacks).
		Int("facts_inserted", sum.Facts.Inserted).
		Int("fact_duplicates", sum.Facts.Duplicates).
		Int("facts_missing_user", sum.Facts.MissingUser).
		Int("facts_out_of_horizon", sum.Facts.OutOfHorizon).
		Int("facts_matched_songs", sum.Facts.MatchedSongs).
		Interface("table_rows", sum.TableRows).
		Msg("run summary")
}
