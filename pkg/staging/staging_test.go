package staging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/streamhaus/songdwh/pkg/catalog"
	"github.com/streamhaus/songdwh/pkg/config"
	"github.com/streamhaus/songdwh/pkg/manifest"
	"github.com/streamhaus/songdwh/pkg/warehouse"
)

const (
	dataBucket     = "data"
	manifestBucket = "manifests"
)

func newLoader(t *testing.T) (*Loader, *catalog.Store) {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Warehouse.DSN = filepath.Join(t.TempDir(), "wh.db")

	store := catalog.NewStore()
	conn, err := warehouse.OpenLocal(ctx, cfg, store)
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return &Loader{Conn: conn, DataBucket: dataBucket}, store
}

func uploadManifest(t *testing.T, store *catalog.Store, entries []manifest.Entry) string {
	t.Helper()
	b := &manifest.Builder{Putter: store, DataBucket: dataBucket}
	url, err := b.Upload(context.Background(), manifestBucket, "manifests/test.manifest", entries)
	if err != nil {
		t.Fatalf("upload manifest: %v", err)
	}
	return url
}

func putSong(t *testing.T, store *catalog.Store, key string) {
	t.Helper()
	body := []byte(`{"num_songs":1,"artist_id":"AR1","artist_name":"Casual","song_id":"SO1","title":"T","duration":218.93,"year":2001}`)
	if err := store.Put(context.Background(), dataBucket, key, body, "application/json"); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func TestLoadConfirmsCommittedEntries(t *testing.T) {
	ctx := context.Background()
	loader, store := newLoader(t)

	putSong(t, store, "song_data/a.json")
	putSong(t, store, "song_data/b.json")
	entries := []manifest.Entry{
		{Key: "song_data/a.json", Mandatory: true},
		{Key: "song_data/b.json", Mandatory: true},
	}
	url := uploadManifest(t, store, entries)

	res, err := loader.Load(ctx, loader.Conn.Tables().StagingSongs, url, entries, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.ConfirmedKeys) != 2 {
		t.Fatalf("confirmed %d keys, want 2: %v", len(res.ConfirmedKeys), res.ConfirmedKeys)
	}
	if res.RowCounts["song_data/a.json"] != 1 {
		t.Errorf("row counts = %v, want 1 per object", res.RowCounts)
	}
}

func TestLoadMandatoryMissing(t *testing.T) {
	ctx := context.Background()
	loader, store := newLoader(t)

	putSong(t, store, "song_data/a.json")
	entries := []manifest.Entry{
		{Key: "song_data/a.json", Mandatory: true},
		{Key: "song_data/missing.json", Mandatory: true},
	}
	url := uploadManifest(t, store, entries)

	res, err := loader.Load(ctx, loader.Conn.Tables().StagingSongs, url, entries, time.Now().Add(-time.Minute))
	if !errors.Is(err, ErrMandatoryMissing) {
		t.Fatalf("got %v, want ErrMandatoryMissing", err)
	}
	if len(res.MandatoryMissing) != 1 || res.MandatoryMissing[0] != "song_data/missing.json" {
		t.Errorf("MandatoryMissing = %v", res.MandatoryMissing)
	}
	// The object that did commit is still reported, so the caller can decide
	// what to mark on a future successful run.
	if len(res.ConfirmedKeys) != 1 || res.ConfirmedKeys[0] != "song_data/a.json" {
		t.Errorf("ConfirmedKeys = %v", res.ConfirmedKeys)
	}
}

func TestLoadOptionalMissingIsNotAnError(t *testing.T) {
	ctx := context.Background()
	loader, store := newLoader(t)

	putSong(t, store, "song_data/a.json")
	entries := []manifest.Entry{
		{Key: "song_data/a.json", Mandatory: false},
		{Key: "song_data/missing.json", Mandatory: false},
	}
	url := uploadManifest(t, store, entries)

	res, err := loader.Load(ctx, loader.Conn.Tables().StagingSongs, url, entries, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.ConfirmedKeys) != 1 {
		t.Errorf("ConfirmedKeys = %v, want only the committed object", res.ConfirmedKeys)
	}
	if len(res.MandatoryMissing) != 0 {
		t.Errorf("optional entries must not be reported mandatory-missing: %v", res.MandatoryMissing)
	}
}

func TestLoadEmptyManifestIsNoOp(t *testing.T) {
	ctx := context.Background()
	loader, _ := newLoader(t)

	// No manifest was uploaded; an empty entry list must not even try to
	// fetch one.
	res, err := loader.Load(ctx, loader.Conn.Tables().StagingSongs, "", nil, time.Now())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(res.ConfirmedKeys) != 0 {
		t.Errorf("ConfirmedKeys = %v, want none", res.ConfirmedKeys)
	}
}

func TestLoadIgnoresStaleCommits(t *testing.T) {
	ctx := context.Background()
	loader, store := newLoader(t)

	putSong(t, store, "song_data/a.json")
	entries := []manifest.Entry{{Key: "song_data/a.json", Mandatory: true}}
	url := uploadManifest(t, store, entries)

	if _, err := loader.Load(ctx, loader.Conn.Tables().StagingSongs, url, entries, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	// Remove the object: the reload commits nothing, and the previous run's
	// commit record must not satisfy the verification.
	store.Delete(dataBucket, "song_data/a.json")
	_, err := loader.Load(ctx, loader.Conn.Tables().StagingSongs, url, entries, time.Now().Add(time.Minute))
	if !errors.Is(err, ErrMandatoryMissing) {
		t.Fatalf("got %v, want ErrMandatoryMissing for stale commit", err)
	}
}
