package warehouse

import (
	"context"
	"database/sql"
	"fmt"
)

// SongRow is a staging song-catalog row. Nulls are preserved, never coerced.
type SongRow struct {
	SongID          sql.NullString
	Title           sql.NullString
	ArtistID        sql.NullString
	ArtistName      sql.NullString
	ArtistLocation  sql.NullString
	ArtistLatitude  sql.NullFloat64
	ArtistLongitude sql.NullFloat64
	Duration        sql.NullFloat64
	Year            sql.NullInt64
}

// EventRow is a staging event-log row.
type EventRow struct {
	UserID    sql.NullInt64
	FirstName sql.NullString
	LastName  sql.NullString
	Gender    sql.NullString
	Level     sql.NullString
	SessionID sql.NullInt64
	Location  sql.NullString
	UserAgent sql.NullString
	SongTitle sql.NullString
	ArtistName sql.NullString
	Length    sql.NullFloat64
	Page      sql.NullString
	Status    sql.NullInt64
	TSMillis  sql.NullInt64
}

// ReadSongRows reads all staging song rows in staging insertion order.
// A scan failure is a schema/contract error and fails the run.
func ReadSongRows(ctx context.Context, conn Conn) ([]SongRow, error) {
	q := fmt.Sprintf(`SELECT song_id, title, artist_id, artist_name, artist_location,
		artist_latitude, artist_longitude, duration, year
		FROM %s ORDER BY %s`, conn.Tables().StagingSongs, songIdentityColumn)

	rows, err := conn.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrSchemaMismatch, conn.Tables().StagingSongs, err)
	}
	defer rows.Close()

	var out []SongRow
	for rows.Next() {
		var r SongRow
		if err := rows.Scan(&r.SongID, &r.Title, &r.ArtistID, &r.ArtistName, &r.ArtistLocation,
			&r.ArtistLatitude, &r.ArtistLongitude, &r.Duration, &r.Year); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrSchemaMismatch, conn.Tables().StagingSongs, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", conn.Tables().StagingSongs, err)
	}
	return out, nil
}

// ReadEventRows reads all staging event rows in staging insertion order.
func ReadEventRows(ctx context.Context, conn Conn) ([]EventRow, error) {
	q := fmt.Sprintf(`SELECT user_id, first_name, last_name, gender, level,
		session_id, location, user_agent, song_title, artist_name, length, page, status, ts
		FROM %s ORDER BY %s`, conn.Tables().StagingEvents, eventIdentityColumn)

	rows, err := conn.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrSchemaMismatch, conn.Tables().StagingEvents, err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.UserID, &r.FirstName, &r.LastName, &r.Gender, &r.Level,
			&r.SessionID, &r.Location, &r.UserAgent, &r.SongTitle, &r.ArtistName,
			&r.Length, &r.Page, &r.Status, &r.TSMillis); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrSchemaMismatch, conn.Tables().StagingEvents, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", conn.Tables().StagingEvents, err)
	}
	return out, nil
}

// Staging insert column lists, used by the local bulk loader. Order matches
// the event jsonpaths document and the song 'auto' mapping respectively.
var (
	eventInsertColumns = []string{
		"artist_name", "auth", "first_name", "gender", "item_in_session",
		"last_name", "length", "level", "location", "method", "page",
		"registration", "session_id", "song_title", "status", "ts",
		"user_agent", "user_id",
	}
	songInsertColumns = []string{
		"num_songs", "artist_id", "artist_latitude", "artist_longitude",
		"artist_location", "artist_name", "song_id", "title", "duration", "year",
	}
)
