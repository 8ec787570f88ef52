// Package dims builds the user, artist, and song dimensions from the
// staging tables. Each dimension pairs a natural key from the source
// data with a warehouse-assigned surrogate key; re-running a build
// updates attributes in place and never reassigns an existing key.
package dims

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/streamhaus/songdwh/internal/logctx"
	"github.com/streamhaus/songdwh/pkg/warehouse"
)

// Stats summarizes one dimension build.
type Stats struct {
	Table       string
	StagingRows int
	Inserted    int
	Updated     int
	Skipped     int
}

// Builder upserts dimension rows from staging. When the same natural
// key appears more than once in staging, the row latest in staging
// order wins.
type Builder struct {
	Conn warehouse.Conn
}

type userAttrs struct {
	firstName sql.NullString
	lastName  sql.NullString
	gender    sql.NullString
	level     sql.NullString
}

// BuildUsers upserts dim_user from the staged playback events. Events
// without a user id carry no identity and are skipped.
func (b *Builder) BuildUsers(ctx context.Context) (Stats, error) {
	t := b.Conn.Tables()
	stats := Stats{Table: t.UserDim}
	log := logctx.FromContext(ctx).With().Str("table", t.UserDim).Logger()

	rows, err := warehouse.ReadEventRows(ctx, b.Conn)
	if err != nil {
		return stats, err
	}
	stats.StagingRows = len(rows)

	latest := make(map[int64]userAttrs)
	for _, r := range rows {
		if !r.UserID.Valid {
			stats.Skipped++
			continue
		}
		latest[r.UserID.Int64] = userAttrs{
			firstName: r.FirstName,
			lastName:  r.LastName,
			gender:    r.Gender,
			level:     r.Level,
		}
	}
	if stats.Skipped > 0 {
		log.Warn().Int("rows", stats.Skipped).Msg("skipped staged events without a user id")
	}

	existing, err := existingKeys(ctx, b.Conn, t.UserDim, "user_key", "CAST(user_id AS TEXT)")
	if err != nil {
		return stats, err
	}
	seq, err := SeedSequence(ctx, b.Conn, t.UserDim, "user_key")
	if err != nil {
		return stats, err
	}

	ids := make([]int64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tx, err := b.Conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin %s build: %w", t.UserDim, err)
	}
	defer tx.Rollback()

	updateQ := b.Conn.Rebind(fmt.Sprintf(
		"UPDATE %s SET first_name = ?, last_name = ?, gender = ?, level = ? WHERE user_key = ?", t.UserDim))
	insertQ := b.Conn.Rebind(fmt.Sprintf(
		"INSERT INTO %s (user_key, user_id, first_name, last_name, gender, level) VALUES (?, ?, ?, ?, ?, ?)", t.UserDim))

	for _, id := range ids {
		a := latest[id]
		if key, ok := existing[fmt.Sprintf("%d", id)]; ok {
			if _, err := tx.ExecContext(ctx, updateQ, a.firstName, a.lastName, a.gender, a.level, key); err != nil {
				return stats, fmt.Errorf("update %s user_id=%d: %w", t.UserDim, id, err)
			}
			stats.Updated++
			continue
		}
		if _, err := tx.ExecContext(ctx, insertQ, seq.Next(), id, a.firstName, a.lastName, a.gender, a.level); err != nil {
			return stats, fmt.Errorf("insert %s user_id=%d: %w", t.UserDim, id, err)
		}
		stats.Inserted++
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit %s build: %w", t.UserDim, err)
	}
	log.Info().Int("inserted", stats.Inserted).Int("updated", stats.Updated).Msg("dimension built")
	return stats, nil
}

type artistAttrs struct {
	name      sql.NullString
	location  sql.NullString
	latitude  sql.NullFloat64
	longitude sql.NullFloat64
}

// BuildArtists upserts dim_artist from the staged song reference rows.
func (b *Builder) BuildArtists(ctx context.Context) (Stats, error) {
	t := b.Conn.Tables()
	stats := Stats{Table: t.ArtistDim}
	log := logctx.FromContext(ctx).With().Str("table", t.ArtistDim).Logger()

	rows, err := warehouse.ReadSongRows(ctx, b.Conn)
	if err != nil {
		return stats, err
	}
	stats.StagingRows = len(rows)

	latest := make(map[string]artistAttrs)
	for _, r := range rows {
		if !r.ArtistID.Valid || r.ArtistID.String == "" {
			stats.Skipped++
			continue
		}
		latest[r.ArtistID.String] = artistAttrs{
			name:      r.ArtistName,
			location:  r.ArtistLocation,
			latitude:  r.ArtistLatitude,
			longitude: r.ArtistLongitude,
		}
	}
	if stats.Skipped > 0 {
		log.Warn().Int("rows", stats.Skipped).Msg("skipped staged songs without an artist id")
	}

	existing, err := existingKeys(ctx, b.Conn, t.ArtistDim, "artist_key", "artist_id")
	if err != nil {
		return stats, err
	}
	seq, err := SeedSequence(ctx, b.Conn, t.ArtistDim, "artist_key")
	if err != nil {
		return stats, err
	}

	ids := sortedStringKeys(latest)

	tx, err := b.Conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin %s build: %w", t.ArtistDim, err)
	}
	defer tx.Rollback()

	updateQ := b.Conn.Rebind(fmt.Sprintf(
		"UPDATE %s SET artist_name = ?, artist_location = ?, artist_latitude = ?, artist_longitude = ? WHERE artist_key = ?", t.ArtistDim))
	insertQ := b.Conn.Rebind(fmt.Sprintf(
		"INSERT INTO %s (artist_key, artist_id, artist_name, artist_location, artist_latitude, artist_longitude) VALUES (?, ?, ?, ?, ?, ?)", t.ArtistDim))

	for _, id := range ids {
		a := latest[id]
		if key, ok := existing[id]; ok {
			if _, err := tx.ExecContext(ctx, updateQ, a.name, a.location, a.latitude, a.longitude, key); err != nil {
				return stats, fmt.Errorf("update %s artist_id=%s: %w", t.ArtistDim, id, err)
			}
			stats.Updated++
			continue
		}
		if _, err := tx.ExecContext(ctx, insertQ, seq.Next(), id, a.name, a.location, a.latitude, a.longitude); err != nil {
			return stats, fmt.Errorf("insert %s artist_id=%s: %w", t.ArtistDim, id, err)
		}
		stats.Inserted++
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit %s build: %w", t.ArtistDim, err)
	}
	log.Info().Int("inserted", stats.Inserted).Int("updated", stats.Updated).Msg("dimension built")
	return stats, nil
}

type songAttrs struct {
	title    sql.NullString
	year     sql.NullInt64
	duration sql.NullFloat64
	artistID sql.NullString
}

// BuildSongs upserts dim_song from the staged song reference rows,
// resolving each song's artist surrogate against dim_artist. Build
// artists first; songs referencing an unknown artist keep a null
// artist_key.
func (b *Builder) BuildSongs(ctx context.Context) (Stats, error) {
	t := b.Conn.Tables()
	stats := Stats{Table: t.SongDim}
	log := logctx.FromContext(ctx).With().Str("table", t.SongDim).Logger()

	rows, err := warehouse.ReadSongRows(ctx, b.Conn)
	if err != nil {
		return stats, err
	}
	stats.StagingRows = len(rows)

	latest := make(map[string]songAttrs)
	for _, r := range rows {
		if !r.SongID.Valid || r.SongID.String == "" {
			stats.Skipped++
			continue
		}
		latest[r.SongID.String] = songAttrs{
			title:    r.Title,
			year:     r.Year,
			duration: r.Duration,
			artistID: r.ArtistID,
		}
	}
	if stats.Skipped > 0 {
		log.Warn().Int("rows", stats.Skipped).Msg("skipped staged songs without a song id")
	}

	artistKeys, err := existingKeys(ctx, b.Conn, t.ArtistDim, "artist_key", "artist_id")
	if err != nil {
		return stats, err
	}
	existing, err := existingKeys(ctx, b.Conn, t.SongDim, "song_key", "song_id")
	if err != nil {
		return stats, err
	}
	seq, err := SeedSequence(ctx, b.Conn, t.SongDim, "song_key")
	if err != nil {
		return stats, err
	}

	ids := sortedStringKeys(latest)

	tx, err := b.Conn.DB().BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin %s build: %w", t.SongDim, err)
	}
	defer tx.Rollback()

	updateQ := b.Conn.Rebind(fmt.Sprintf(
		"UPDATE %s SET artist_key = ?, artist_id = ?, title = ?, year = ?, duration = ? WHERE song_key = ?", t.SongDim))
	insertQ := b.Conn.Rebind(fmt.Sprintf(
		"INSERT INTO %s (song_key, song_id, artist_key, artist_id, title, year, duration) VALUES (?, ?, ?, ?, ?, ?, ?)", t.SongDim))

	for _, id := range ids {
		a := latest[id]
		var artistKey sql.NullInt64
		if a.artistID.Valid {
			if k, ok := artistKeys[a.artistID.String]; ok {
				artistKey = sql.NullInt64{Int64: k, Valid: true}
			}
		}
		if key, ok := existing[id]; ok {
			if _, err := tx.ExecContext(ctx, updateQ, artistKey, a.artistID, a.title, a.year, a.duration, key); err != nil {
				return stats, fmt.Errorf("update %s song_id=%s: %w", t.SongDim, id, err)
			}
			stats.Updated++
			continue
		}
		if _, err := tx.ExecContext(ctx, insertQ, seq.Next(), id, artistKey, a.artistID, a.title, a.year, a.duration); err != nil {
			return stats, fmt.Errorf("insert %s song_id=%s: %w", t.SongDim, id, err)
		}
		stats.Inserted++
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit %s build: %w", t.SongDim, err)
	}
	log.Info().Int("inserted", stats.Inserted).Int("updated", stats.Updated).Msg("dimension built")
	return stats, nil
}

// existingKeys maps a dimension's natural keys (as text) to their
// surrogate keys.
func existingKeys(ctx context.Context, conn warehouse.Conn, table, keyColumn, naturalExpr string) (map[string]int64, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s", keyColumn, naturalExpr, table)
	rows, err := conn.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("read %s keys: %w", table, err)
	}
	defer rows.Close()

	keys := make(map[string]int64)
	for rows.Next() {
		var key int64
		var natural string
		if err := rows.Scan(&key, &natural); err != nil {
			return nil, fmt.Errorf("scan %s keys: %w", table, err)
		}
		keys[strings.TrimSpace(natural)] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s keys: %w", table, err)
	}
	return keys, nil
}

func sortedStringKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
