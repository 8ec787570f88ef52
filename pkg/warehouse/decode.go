package warehouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"

	"github.com/streamhaus/songdwh/pkg/config"
)

// stagingDecoder turns a staged object into rows for one staging table.
type stagingDecoder struct {
	columns []string
	decode  func(key string, r io.Reader, size int64) ([][]any, error)
}

func decoderForTable(table string, t config.Tables) (*stagingDecoder, error) {
	switch table {
	case t.StagingEvents:
		return &stagingDecoder{columns: eventInsertColumns, decode: decodeEventObject}, nil
	case t.StagingSongs:
		return &stagingDecoder{columns: songInsertColumns, decode: decodeSongObject}, nil
	default:
		return nil, fmt.Errorf("no staging decoder for table %q", table)
	}
}

// eventObject is one event-log record as it appears in the source JSON.
type eventObject struct {
	Artist        *string         `json:"artist"`
	Auth          *string         `json:"auth"`
	FirstName     *string         `json:"firstName"`
	Gender        *string         `json:"gender"`
	ItemInSession *int64          `json:"itemInSession"`
	LastName      *string         `json:"lastName"`
	Length        *float64        `json:"length"`
	Level         *string         `json:"level"`
	Location      *string         `json:"location"`
	Method        *string         `json:"method"`
	Page          *string         `json:"page"`
	Registration  *float64        `json:"registration"`
	SessionID     *int64          `json:"sessionId"`
	Song          *string         `json:"song"`
	Status        *int64          `json:"status"`
	TS            *int64          `json:"ts"`
	UserAgent     *string         `json:"userAgent"`
	UserID        json.RawMessage `json:"userId"`
}

// songObject is one song-catalog record as it appears in the source JSON.
type songObject struct {
	NumSongs        *int64   `json:"num_songs"`
	ArtistID        *string  `json:"artist_id"`
	ArtistLatitude  *float64 `json:"artist_latitude"`
	ArtistLongitude *float64 `json:"artist_longitude"`
	ArtistLocation  *string  `json:"artist_location"`
	ArtistName      *string  `json:"artist_name"`
	SongID          *string  `json:"song_id"`
	Title           *string  `json:"title"`
	Duration        *float64 `json:"duration"`
	Year            *int64   `json:"year"`
}

// songParquetObject mirrors songObject for Parquet-format catalog drops.
type songParquetObject struct {
	NumSongs        *int64   `parquet:"num_songs,optional"`
	ArtistID        *string  `parquet:"artist_id,optional"`
	ArtistLatitude  *float64 `parquet:"artist_latitude,optional"`
	ArtistLongitude *float64 `parquet:"artist_longitude,optional"`
	ArtistLocation  *string  `parquet:"artist_location,optional"`
	ArtistName      *string  `parquet:"artist_name,optional"`
	SongID          *string  `parquet:"song_id,optional"`
	Title           *string  `parquet:"title,optional"`
	Duration        *float64 `parquet:"duration,optional"`
	Year            *int64   `parquet:"year,optional"`
}

func decodeEventObject(key string, r io.Reader, size int64) ([][]any, error) {
	r, key, err := maybeGunzip(key, r)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(key, ".parquet") {
		return nil, fmt.Errorf("parquet event logs are not supported: %s", key)
	}

	var rows [][]any
	dec := json.NewDecoder(r)
	for {
		var ev eventObject
		if err := dec.Decode(&ev); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode event record: %w", err)
		}
		rows = append(rows, []any{
			opt(ev.Artist), opt(ev.Auth), opt(ev.FirstName), opt(ev.Gender),
			opt(ev.ItemInSession), opt(ev.LastName), opt(ev.Length), opt(ev.Level),
			opt(ev.Location), opt(ev.Method), opt(ev.Page), floatToInt(ev.Registration),
			opt(ev.SessionID), opt(ev.Song), opt(ev.Status), opt(ev.TS),
			opt(ev.UserAgent), flexInt64(ev.UserID),
		})
	}
	return rows, nil
}

func decodeSongObject(key string, r io.Reader, size int64) ([][]any, error) {
	r, key, err := maybeGunzip(key, r)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(key, ".parquet") {
		return decodeSongParquet(r, size)
	}

	var rows [][]any
	dec := json.NewDecoder(r)
	for {
		var s songObject
		if err := dec.Decode(&s); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode song record: %w", err)
		}
		rows = append(rows, []any{
			opt(s.NumSongs), opt(s.ArtistID), opt(s.ArtistLatitude), opt(s.ArtistLongitude),
			opt(s.ArtistLocation), opt(s.ArtistName), opt(s.SongID), opt(s.Title),
			opt(s.Duration), opt(s.Year),
		})
	}
	return rows, nil
}

// decodeSongParquet buffers the object to a temp file (Parquet needs random
// access) and reads the rows.
func decodeSongParquet(r io.Reader, size int64) ([][]any, error) {
	tempFile, err := os.CreateTemp("", "song-catalog-*.parquet")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tempFile.Close()
		os.Remove(tempFile.Name())
	}()

	written, err := io.Copy(tempFile, r)
	if err != nil {
		return nil, fmt.Errorf("buffer parquet data: %w", err)
	}
	_ = size // listed size may be stale; trust what was read

	records, err := parquet.Read[songParquetObject](tempFile, written)
	if err != nil {
		return nil, fmt.Errorf("read parquet song catalog: %w", err)
	}

	rows := make([][]any, 0, len(records))
	for _, s := range records {
		rows = append(rows, []any{
			opt(s.NumSongs), opt(s.ArtistID), opt(s.ArtistLatitude), opt(s.ArtistLongitude),
			opt(s.ArtistLocation), opt(s.ArtistName), opt(s.SongID), opt(s.Title),
			opt(s.Duration), opt(s.Year),
		})
	}
	return rows, nil
}

func maybeGunzip(key string, r io.Reader) (io.Reader, string, error) {
	if !strings.HasSuffix(key, ".gz") {
		return r, key, nil
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("gunzip %s: %w", key, err)
	}
	return gz, strings.TrimSuffix(key, ".gz"), nil
}

// opt converts an optional field to a driver value, preserving NULL.
func opt[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatToInt(p *float64) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

// flexInt64 parses an id field that source logs emit as a number, a quoted
// number, or an empty string (anonymous sessions).
func flexInt64(raw json.RawMessage) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	trimmed = bytes.Trim(trimmed, `"`)
	if len(trimmed) == 0 {
		return nil
	}
	if n, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		return int64(f)
	}
	return nil
}
