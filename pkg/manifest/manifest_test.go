package manifest

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/streamhaus/songdwh/pkg/catalog"
)

func listing(keys ...string) []catalog.Object {
	objs := make([]catalog.Object, 0, len(keys))
	for _, k := range keys {
		objs = append(objs, catalog.Object{Key: k, Size: int64(len(k))})
	}
	return objs
}

func TestDiff_ExcludesLoaded(t *testing.T) {
	loaded := map[string]bool{
		"log-data/2018/11/a.json": true,
	}
	entries := Diff(listing(
		"log-data/2018/11/a.json",
		"log-data/2018/11/b.json",
	), loaded, AlwaysMandatory, false)

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Key != "log-data/2018/11/b.json" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestDiff_IdempotentWhenAllLoaded(t *testing.T) {
	keys := []string{"a.json", "b.json", "c.json"}
	loaded := map[string]bool{}
	for _, k := range keys {
		loaded[k] = true
	}
	if entries := Diff(listing(keys...), loaded, AlwaysMandatory, false); len(entries) != 0 {
		t.Errorf("expected empty manifest for fully loaded catalog, got %d entries", len(entries))
	}
}

func TestDiff_ForceReloadIncludesLoaded(t *testing.T) {
	loaded := map[string]bool{"a.json": true}
	entries := Diff(listing("a.json", "b.json"), loaded, AlwaysMandatory, true)
	if len(entries) != 2 {
		t.Errorf("force reload should include loaded keys, got %d entries", len(entries))
	}
}

func TestDiff_OrderedByKeyAscending(t *testing.T) {
	entries := Diff(listing("c.json", "a.json", "b.json"), nil, AlwaysMandatory, false)
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Key >= entries[i].Key {
			t.Errorf("entries not in ascending key order: %q before %q", entries[i-1].Key, entries[i].Key)
		}
	}
}

func TestDiff_PolicyClassification(t *testing.T) {
	policy := PolicyFunc(func(obj catalog.Object) bool {
		return strings.HasPrefix(obj.Key, "log-data/")
	})
	entries := Diff(listing("log-data/a.json", "song-data/b.json"), nil, policy, false)

	if !entries[0].Mandatory {
		t.Error("expected log-data entry to be mandatory")
	}
	if entries[1].Mandatory {
		t.Error("expected song-data entry to be optional")
	}
}

func TestDocumentEncodeParse(t *testing.T) {
	entries := []Entry{
		{Key: "log-data/a.json", Mandatory: true},
		{Key: "log-data/b.json", Mandatory: false},
	}
	doc := NewDocument("song-data", entries)

	data, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Contains(data, []byte(`"url": "s3://song-data/log-data/a.json"`)) {
		t.Errorf("encoded document missing url field: %s", data)
	}
	if !bytes.Contains(data, []byte(`"mandatory": true`)) {
		t.Errorf("encoded document missing mandatory flag: %s", data)
	}

	parsed, err := ParseDocument(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if len(parsed.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(parsed.Entries))
	}
	if parsed.Entries[0].URL != "s3://song-data/log-data/a.json" || !parsed.Entries[0].Mandatory {
		t.Errorf("unexpected first entry: %+v", parsed.Entries[0])
	}
}

func TestParseDocument_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty entries", `{"entries":[]}`},
		{"not json", `not json`},
		{"bad url", `{"entries":[{"url":"http://x/y","mandatory":true}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDocument(strings.NewReader(tt.body)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestBuilder_BuildAndUpload(t *testing.T) {
	ctx := context.Background()
	store := catalog.NewStore()
	for _, k := range []string{"log-data/b.json", "log-data/a.json"} {
		if err := store.Put(ctx, "song-data", k, []byte("{}"), "application/json"); err != nil {
			t.Fatal(err)
		}
	}

	b := &Builder{
		Lister:     store,
		Putter:     store,
		DataBucket: "song-data",
		Policy:     AlwaysMandatory,
	}

	entries, err := b.Build(ctx, "log-data/", map[string]bool{"log-data/a.json": true}, false)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "log-data/b.json" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	url, err := b.Upload(ctx, "etl-manifests", "manifests/song_log.manifest", entries)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if url != "s3://etl-manifests/manifests/song_log.manifest" {
		t.Errorf("unexpected manifest url: %q", url)
	}

	rc, _, err := store.Get(ctx, "etl-manifests", "manifests/song_log.manifest")
	if err != nil {
		t.Fatalf("uploaded manifest not found: %v", err)
	}
	defer rc.Close()
	doc, err := ParseDocument(rc)
	if err != nil {
		t.Fatalf("uploaded manifest unparseable: %v", err)
	}
	if len(doc.Entries) != 1 {
		t.Errorf("expected 1 entry in uploaded document, got %d", len(doc.Entries))
	}
}
