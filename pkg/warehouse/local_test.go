package warehouse

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"

	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/config"
	"github.com/streamhaus/songdwh/pkg/manifest"
)

const (
	testDataBucket     = "data"
	testManifestBucket = "manifests"
)

func openTestLocal(t *testing.T) (*Local, *catalog.Store) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Warehouse.DSN = filepath.Join(t.TempDir(), "wh.db")

	store := catalog.NewStore()
	conn, err := OpenLocal(ctx, cfg, store)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return conn, store
}

// putManifest uploads a manifest document listing the given data-bucket keys
// and returns its URL.
func putManifest(t *testing.T, store *catalog.Store, keys ...string) string {
	t.Helper()
	doc := manifest.Document{}
	for _, k := range keys {
		doc.Entries = append(doc.Entries, manifest.DocEntry{URL: catalog.URI(testDataBucket, k)})
	}
	data, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	const key = "manifests/test.manifest"
	if err := store.Put(context.Background(), testManifestBucket, key, data, "application/json"); err != nil {
		t.Fatalf("put manifest: %v", err)
	}
	return catalog.URI(testManifestBucket, key)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, _ := openTestLocal(t)

	if err := conn.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}
	for _, table := range []string{conn.Tables().StagingEvents, conn.Tables().Songplays, conn.Tables().LoadState} {
		n, err := conn.RowCount(ctx, table)
		if err != nil {
			t.Fatalf("RowCount %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows, want 0", table, n)
		}
	}
}

func TestBulkLoadEvents(t *testing.T) {
	ctx := context.Background()
	conn, store := openTestLocal(t)

	// JSON-lines, one quoted and one numeric userId.
	plain := []byte(`{"artist":"Frumpies","auth":"Logged In","firstName":"Lily","gender":"F","lastName":"Koch","length":134.47,"level":"paid","page":"NextSong","registration":1541048010796.0,"sessionId":818,"song":"Fuck Kitty","status":200,"ts":1542837407796,"userId":"15"}
{"artist":null,"auth":"Logged In","firstName":"Lily","gender":"F","lastName":"Koch","length":null,"level":"paid","page":"Home","registration":1541048010796.0,"sessionId":818,"song":null,"status":200,"ts":1542837501796,"userId":15}`)
	zipped := gzipBytes(t, []byte(`{"artist":"A Fine Frenzy","auth":"Logged In","firstName":"Anabelle","gender":"F","lastName":"Simpson","length":267.91,"level":"free","page":"NextSong","registration":1541044398796.0,"sessionId":256,"song":"Almost Lover","status":200,"ts":1541377992796,"userId":"69"}`))

	if err := store.Put(ctx, testDataBucket, "log_data/2018/11/2018-11-21.json", plain, "application/json"); err != nil {
		t.Fatalf("put events: %v", err)
	}
	if err := store.Put(ctx, testDataBucket, "log_data/2018/11/2018-11-05.json.gz", zipped, "application/gzip"); err != nil {
		t.Fatalf("put gz events: %v", err)
	}

	url := putManifest(t, store, "log_data/2018/11/2018-11-21.json", "log_data/2018/11/2018-11-05.json.gz")
	if err := conn.BulkLoad(ctx, conn.Tables().StagingEvents, url); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}

	n, err := conn.RowCount(ctx, conn.Tables().StagingEvents)
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("staged %d event rows, want 3", n)
	}

	rows, err := ReadEventRows(ctx, conn)
	if err != nil {
		t.Fatalf("ReadEventRows: %v", err)
	}
	if !rows[0].UserID.Valid || rows[0].UserID.Int64 != 15 {
		t.Errorf("quoted userId not normalized: %+v", rows[0].UserID)
	}
	if rows[0].ArtistName.String != "Frumpies" || rows[0].Page.String != "NextSong" {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[1].ArtistName.Valid {
		t.Errorf("null artist not preserved: %+v", rows[1].ArtistName)
	}

	committed, err := conn.CommittedObjects(ctx, "s3://"+testDataBucket+"/", time.Time{})
	if err != nil {
		t.Fatalf("CommittedObjects: %v", err)
	}
	if len(committed) != 2 {
		t.Fatalf("committed %d objects, want 2: %v", len(committed), committed)
	}
	if committed["s3://data/log_data/2018/11/2018-11-21.json"] != 2 {
		t.Errorf("unexpected row count: %v", committed)
	}
}

func TestBulkLoadSkipsUnloadableObject(t *testing.T) {
	ctx := context.Background()
	conn, store := openTestLocal(t)

	good := []byte(`{"num_songs":1,"artist_id":"AR1","artist_name":"Casual","song_id":"SO1","title":"I Didn't Mean To","duration":218.93,"year":0}`)
	if err := store.Put(ctx, testDataBucket, "song_data/A/A/A/TRAAAAW.json", good, "application/json"); err != nil {
		t.Fatalf("put song: %v", err)
	}

	// The second entry is never stored, so its fetch fails.
	url := putManifest(t, store, "song_data/A/A/A/TRAAAAW.json", "song_data/A/A/B/TRAAABD.json")
	if err := conn.BulkLoad(ctx, conn.Tables().StagingSongs, url); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}

	committed, err := conn.CommittedObjects(ctx, "s3://"+testDataBucket+"/", time.Time{})
	if err != nil {
		t.Fatalf("CommittedObjects: %v", err)
	}
	if len(committed) != 1 {
		t.Fatalf("committed %d objects, want 1: %v", len(committed), committed)
	}
	if _, ok := committed["s3://data/song_data/A/A/B/TRAAABD.json"]; ok {
		t.Error("unloadable object must not appear in commit history")
	}
}

func TestBulkLoadSongsParquet(t *testing.T) {
	ctx := context.Background()
	conn, store := openTestLocal(t)

	artistID, artistName := "ARD7TVE1187B99BFB1", "Casual"
	songID, title := "SOMZWCG12A8C13C480", "I Didn't Mean To"
	duration := 218.93
	year := int64(0)
	numSongs := int64(1)
	records := []songParquetObject{{
		NumSongs:   &numSongs,
		ArtistID:   &artistID,
		ArtistName: &artistName,
		SongID:     &songID,
		Title:      &title,
		Duration:   &duration,
		Year:       &year,
	}}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, records); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if err := store.Put(ctx, testDataBucket, "song_data/part-0001.parquet", buf.Bytes(), "application/octet-stream"); err != nil {
		t.Fatalf("put parquet: %v", err)
	}

	url := putManifest(t, store, "song_data/part-0001.parquet")
	if err := conn.BulkLoad(ctx, conn.Tables().StagingSongs, url); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}

	rows, err := ReadSongRows(ctx, conn)
	if err != nil {
		t.Fatalf("ReadSongRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("staged %d song rows, want 1", len(rows))
	}
	r := rows[0]
	if r.SongID.String != songID || r.ArtistID.String != artistID || r.Title.String != title {
		t.Errorf("unexpected row: %+v", r)
	}
	if !r.Duration.Valid || r.Duration.Float64 != duration {
		t.Errorf("duration = %+v, want %v", r.Duration, duration)
	}
	if r.ArtistLatitude.Valid {
		t.Errorf("missing latitude should be null, got %+v", r.ArtistLatitude)
	}
}

func TestLoadReference(t *testing.T) {
	ctx := context.Background()
	conn, store := openTestLocal(t)

	csvData := []byte("time_key,hour,minute,second,am_pm\n0,0,0,0,AM\n46530,12,55,30,PM\n")
	if err := store.Put(ctx, testManifestBucket, "reference/dim_time.csv", csvData, "text/csv"); err != nil {
		t.Fatalf("put csv: %v", err)
	}

	url := catalog.URI(testManifestBucket, "reference/dim_time.csv")
	if err := conn.LoadReference(ctx, conn.Tables().TimeDim, url); err != nil {
		t.Fatalf("LoadReference: %v", err)
	}

	var hour int
	var amPm string
	err := conn.DB().QueryRowContext(ctx,
		"SELECT hour, am_pm FROM "+conn.Tables().TimeDim+" WHERE time_key = 46530").Scan(&hour, &amPm)
	if err != nil {
		t.Fatalf("query loaded row: %v", err)
	}
	if hour != 12 || amPm != "PM" {
		t.Errorf("loaded (%d, %s), want (12, PM)", hour, amPm)
	}
}

func TestCommittedObjectsSince(t *testing.T) {
	ctx := context.Background()
	conn, store := openTestLocal(t)

	data := []byte(`{"num_songs":1,"artist_id":"AR1","song_id":"SO1","title":"T","duration":1.0,"year":2001}`)
	if err := store.Put(ctx, testDataBucket, "song_data/s.json", data, "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	url := putManifest(t, store, "song_data/s.json")
	if err := conn.BulkLoad(ctx, conn.Tables().StagingSongs, url); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}

	recent, err := conn.CommittedObjects(ctx, "s3://"+testDataBucket+"/", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CommittedObjects: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("recent commits = %v, want 1 entry", recent)
	}

	future, err := conn.CommittedObjects(ctx, "s3://"+testDataBucket+"/", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CommittedObjects: %v", err)
	}
	if len(future) != 0 {
		t.Errorf("commits before the since bound leaked through: %v", future)
	}
}

func TestTruncate(t *testing.T) {
	ctx := context.Background()
	conn, _ := openTestLocal(t)

	if _, err := conn.DB().ExecContext(ctx,
		"INSERT INTO "+conn.Tables().UserDim+" (user_key, user_id) VALUES (1, 10)"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := conn.Truncate(ctx, conn.Tables().UserDim); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	n, err := conn.RowCount(ctx, conn.Tables().UserDim)
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if n != 0 {
		t.Errorf("row count after truncate = %d, want 0", n)
	}
}

func TestRunLock(t *testing.T) {
	ctx := context.Background()
	conn, _ := openTestLocal(t)

	if err := conn.AcquireRunLock(ctx, "run-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := conn.AcquireRunLock(ctx, "run-b"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire: got %v, want ErrLockHeld", err)
	}

	// Releasing someone else's lock is a no-op.
	if err := conn.ReleaseRunLock(ctx, "run-b"); err != nil {
		t.Fatalf("release foreign: %v", err)
	}
	if err := conn.AcquireRunLock(ctx, "run-b"); !errors.Is(err, ErrLockHeld) {
		t.Fatal("lock released by a non-holder")
	}

	if err := conn.ReleaseRunLock(ctx, "run-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := conn.AcquireRunLock(ctx, "run-b"); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?)"

	local := &base{numbered: false}
	if got := local.Rebind(q); got != q {
		t.Errorf("local rebind changed query: %s", got)
	}

	numbered := &base{numbered: true}
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got := numbered.Rebind(q); got != want {
		t.Errorf("numbered rebind = %s, want %s", got, want)
	}
}
