package facts

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/streamhaus/songdwh/pkg/warehouse"
)

// durationTolerance is how far a staged song's duration may differ
// from an event's playback length and still count as the same song.
const durationTolerance = 1.0

// Matcher resolves an event's free-text song and artist fields to
// dimension surrogate keys. An invalid key means no confident match;
// the fact row keeps a null foreign key rather than a guessed one.
type Matcher interface {
	Match(songTitle, artistName string, length sql.NullFloat64) (songKey, artistKey sql.NullInt64)
}

type artistRef struct {
	key int64
	id  string
}

type songRef struct {
	key      int64
	artistID string
	duration sql.NullFloat64
}

// DimMatcher matches against a snapshot of dim_artist and dim_song.
// Artists match on exact name; songs match on exact title plus the
// matched artist's id, with the playback length as a tie-breaker.
type DimMatcher struct {
	artistsByName map[string][]artistRef
	songsByTitle  map[string][]songRef
}

// LoadMatcher snapshots the song and artist dimensions.
func LoadMatcher(ctx context.Context, conn warehouse.Conn) (*DimMatcher, error) {
	t := conn.Tables()
	m := &DimMatcher{
		artistsByName: make(map[string][]artistRef),
		songsByTitle:  make(map[string][]songRef),
	}

	rows, err := conn.DB().QueryContext(ctx,
		fmt.Sprintf("SELECT artist_key, artist_id, artist_name FROM %s WHERE artist_name IS NOT NULL", t.ArtistDim))
	if err != nil {
		return nil, fmt.Errorf("read %s for matching: %w", t.ArtistDim, err)
	}
	defer rows.Close()
	for rows.Next() {
		var ref artistRef
		var name string
		if err := rows.Scan(&ref.key, &ref.id, &name); err != nil {
			return nil, fmt.Errorf("scan %s for matching: %w", t.ArtistDim, err)
		}
		k := matchKey(name)
		m.artistsByName[k] = append(m.artistsByName[k], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s for matching: %w", t.ArtistDim, err)
	}

	srows, err := conn.DB().QueryContext(ctx,
		fmt.Sprintf("SELECT song_key, COALESCE(artist_id, ''), title, duration FROM %s WHERE title IS NOT NULL", t.SongDim))
	if err != nil {
		return nil, fmt.Errorf("read %s for matching: %w", t.SongDim, err)
	}
	defer srows.Close()
	for srows.Next() {
		var ref songRef
		var title string
		if err := srows.Scan(&ref.key, &ref.artistID, &title, &ref.duration); err != nil {
			return nil, fmt.Errorf("scan %s for matching: %w", t.SongDim, err)
		}
		k := matchKey(title)
		m.songsByTitle[k] = append(m.songsByTitle[k], ref)
	}
	if err := srows.Err(); err != nil {
		return nil, fmt.Errorf("read %s for matching: %w", t.SongDim, err)
	}
	return m, nil
}

// Match implements Matcher. The artist is resolved first; a song only
// matches when it belongs to the matched artist, so a title collision
// across artists cannot attach the wrong recording.
func (m *DimMatcher) Match(songTitle, artistName string, length sql.NullFloat64) (songKey, artistKey sql.NullInt64) {
	var artist *artistRef
	if artistName != "" {
		if refs := m.artistsByName[matchKey(artistName)]; len(refs) == 1 {
			artist = &refs[0]
			artistKey = sql.NullInt64{Int64: artist.key, Valid: true}
		}
	}
	if songTitle == "" || artist == nil {
		return songKey, artistKey
	}
	for _, ref := range m.songsByTitle[matchKey(songTitle)] {
		if ref.artistID != artist.id {
			continue
		}
		if ref.duration.Valid && length.Valid &&
			math.Abs(ref.duration.Float64-length.Float64) > durationTolerance {
			continue
		}
		songKey = sql.NullInt64{Int64: ref.key, Valid: true}
		break
	}
	return songKey, artistKey
}

func matchKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
