// Package facts derives the songplay fact table from staged playback
// events, resolving each event against the pre-built dimensions.
package facts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/streamhaus/songdwh/internal/logctx"
	"github.com/streamhaus/songdwh/pkg/dimgen"
	"github.com/streamhaus/songdwh/pkg/dims"
	"github.com/streamhaus/songdwh/pkg/warehouse"
)

// PlaybackPage marks the event rows that represent an actual song
// play. Everything else (auth, navigation, settings) is filtered out.
const PlaybackPage = "NextSong"

// Stats summarizes one fact build. The skip counters double as data
// quality checks in the run summary.
type Stats struct {
	Table        string
	EventRows    int
	Playbacks    int
	Inserted     int
	Duplicates   int
	MissingUser  int
	MissingTS    int
	OutOfHorizon int
	MatchedSongs int
}

// Builder inserts fact rows for staged playback events. Grain is one
// row per (user, start timestamp, session); a tuple already present
// in the fact table or earlier in the same batch is skipped, so
// re-processing staged data never double-counts a play.
type Builder struct {
	Conn warehouse.Conn

	// Matcher overrides dimension-snapshot matching, mainly in tests.
	Matcher Matcher
}

type dedupKey struct {
	userKey int64
	startTS int64
	session int64
}

// Build derives fact rows from the staging events table.
func (b *Builder) Build(ctx context.Context) (Stats, error) {
	t := b.Conn.Tables()
	stats := Stats{Table: t.Songplays}
	log := logctx.FromContext(ctx).With().Str("table", t.Songplays).Logger()

	events, err := warehouse.ReadEventRows(ctx, b.Conn)
	if err != nil {
		return stats, err
	}
	stats.EventRows = len(events)

	matcher := b.Matcher
	if matcher == nil {
		m, err := LoadMatcher(ctx, b.Conn)
		if err != nil {
			return stats, err
		}
		matcher = m
	}

	userKeys, err := readUserKeys(ctx, b.Conn)
	if err != nil {
		return stats, err
	}
	dateKeys, err := readDateKeys(ctx, b.Conn)
	if err != nil {
		return stats, err
	}
	seen, err := readExistingTuples(ctx, b.Conn)
	if err != nil {
		return stats, err
	}
	seq, err := dims.SeedSequence(ctx, b.Conn, t.Songplays, "songplay_id")
	if err != nil {
		return stats, err
	}

	tx, err := b.Conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin %s build: %w", t.Songplays, err)
	}
	defer tx.Rollback()

	insertQ := b.Conn.Rebind(fmt.Sprintf(`INSERT INTO %s
		(songplay_id, date_key, time_key, user_key, song_key, artist_key, start_ts, session_id, location, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, t.Songplays))

	for _, ev := range events {
		if !ev.Page.Valid || ev.Page.String != PlaybackPage {
			continue
		}
		stats.Playbacks++

		if !ev.TSMillis.Valid {
			stats.MissingTS++
			continue
		}
		if !ev.UserID.Valid {
			stats.MissingUser++
			continue
		}
		userKey, ok := userKeys[ev.UserID.Int64]
		if !ok {
			stats.MissingUser++
			log.Warn().Int64("user_id", ev.UserID.Int64).Msg("playback references a user missing from the user dimension")
			continue
		}

		start := time.UnixMilli(ev.TSMillis.Int64).UTC()
		dateKey := dimgen.DateKey(start)
		if !dateKeys[dateKey] {
			stats.OutOfHorizon++
			log.Warn().Int64("ts", ev.TSMillis.Int64).Int("date_key", dateKey).
				Msg("playback timestamp outside the calendar horizon")
			continue
		}
		timeKey := start.Hour()*3600 + start.Minute()*60 + start.Second()

		key := dedupKey{userKey: userKey, startTS: ev.TSMillis.Int64, session: nullableInt(ev.SessionID)}
		if seen[key] {
			stats.Duplicates++
			continue
		}
		seen[key] = true

		var songKey, artistKey sql.NullInt64
		if ev.SongTitle.Valid || ev.ArtistName.Valid {
			songKey, artistKey = matcher.Match(ev.SongTitle.String, ev.ArtistName.String, ev.Length)
		}
		if songKey.Valid {
			stats.MatchedSongs++
		}

		if _, err := tx.ExecContext(ctx, insertQ,
			seq.Next(), dateKey, timeKey, userKey, songKey, artistKey,
			ev.TSMillis.Int64, ev.SessionID, ev.Location, ev.UserAgent); err != nil {
			return stats, fmt.Errorf("insert %s ts=%d user=%d: %w", t.Songplays, ev.TSMillis.Int64, ev.UserID.Int64, err)
		}
		stats.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit %s build: %w", t.Songplays, err)
	}
	log.Info().
		Int("playbacks", stats.Playbacks).
		Int("inserted", stats.Inserted).
		Int("duplicates", stats.Duplicates).
		Int("matched_songs", stats.MatchedSongs).
		Msg("fact table built")
	return stats, nil
}

func readUserKeys(ctx context.Context, conn warehouse.Conn) (map[int64]int64, error) {
	t := conn.Tables()
	rows, err := conn.DB().QueryContext(ctx,
		fmt.Sprintf("SELECT user_id, user_key FROM %s", t.UserDim))
	if err != nil {
		return nil, fmt.Errorf("read %s keys: %w", t.UserDim, err)
	}
	defer rows.Close()

	keys := make(map[int64]int64)
	for rows.Next() {
		var id, key int64
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("scan %s keys: %w", t.UserDim, err)
		}
		keys[id] = key
	}
	return keys, rows.Err()
}

func readDateKeys(ctx context.Context, conn warehouse.Conn) (map[int]bool, error) {
	t := conn.Tables()
	rows, err := conn.DB().QueryContext(ctx,
		fmt.Sprintf("SELECT date_key FROM %s", t.DateDim))
	if err != nil {
		return nil, fmt.Errorf("read %s keys: %w", t.DateDim, err)
	}
	defer rows.Close()

	keys := make(map[int]bool)
	for rows.Next() {
		var key int
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan %s keys: %w", t.DateDim, err)
		}
		keys[key] = true
	}
	return keys, rows.Err()
}

func readExistingTuples(ctx context.Context, conn warehouse.Conn) (map[dedupKey]bool, error) {
	t := conn.Tables()
	rows, err := conn.DB().QueryContext(ctx,
		fmt.Sprintf("SELECT user_key, start_ts, session_id FROM %s", t.Songplays))
	if err != nil {
		return nil, fmt.Errorf("read %s tuples: %w", t.Songplays, err)
	}
	defer rows.Close()

	seen := make(map[dedupKey]bool)
	for rows.Next() {
		var user, ts int64
		var session sql.NullInt64
		if err := rows.Scan(&user, &ts, &session); err != nil {
			return nil, fmt.Errorf("scan %s tuples: %w", t.Songplays, err)
		}
		seen[dedupKey{userKey: user, startTS: ts, session: nullableInt(session)}] = true
	}
	return seen, rows.Err()
}

// nullableInt folds a null session into a sentinel for in-memory
// dedup. The column itself keeps the null.
func nullableInt(v sql.NullInt64) int64 {
	if !v.Valid {
		return -1
	}
	return v.Int64
}
