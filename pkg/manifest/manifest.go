// Package manifest builds warehouse load manifests by diffing the object
// catalog against the load state.
//
// A manifest is produced fresh each run and never persisted beyond it; the
// uploaded document is only a hand-off to the warehouse bulk load.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/streamhaus/songdwh/pkg/catalog"
)

// Entry is one object selected for loading.
type Entry struct {
	// Key is the object key within the data bucket.
	Key string
	// Mandatory marks entries whose absence after the load makes the
	// downstream dimension/fact build incomplete.
	Mandatory bool
	// Size is the expected object size from the catalog listing, used as a
	// cheap integrity cross-check. Zero when the listing did not report one.
	Size int64
}

// Policy classifies a catalog object as mandatory or optional.
// Test suites substitute deterministic stand-ins.
type Policy interface {
	Mandatory(obj catalog.Object) bool
}

// PolicyFunc adapts a function to a Policy.
type PolicyFunc func(obj catalog.Object) bool

// Mandatory implements Policy.
func (f PolicyFunc) Mandatory(obj catalog.Object) bool { return f(obj) }

// AlwaysMandatory marks every entry mandatory. Used for event-log objects:
// every partition in the horizon feeds the fact table.
var AlwaysMandatory = PolicyFunc(func(catalog.Object) bool { return true })

// NeverMandatory marks every entry optional. Used for song-catalog objects:
// a missing song only degrades fact-side match rate.
var NeverMandatory = PolicyFunc(func(catalog.Object) bool { return false })

// Diff returns the ordered entries for objects present in the listing but
// absent from the load state. Ordering is by object key ascending so
// manifests are reproducible and diffable across runs.
//
// When force is true the load state is ignored and every listed object is
// included (explicit force-reload).
func Diff(listing []catalog.Object, loaded map[string]bool, policy Policy, force bool) []Entry {
	entries := make([]Entry, 0, len(listing))
	for _, obj := range listing {
		if !force && loaded[obj.Key] {
			continue
		}
		entries = append(entries, Entry{
			Key:       obj.Key,
			Mandatory: policy.Mandatory(obj),
			Size:      obj.Size,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// DocEntry is the wire form of an entry, consumed by the bulk load.
type DocEntry struct {
	URL       string `json:"url"`
	Mandatory bool   `json:"mandatory"`
}

// Document is the manifest document uploaded for the warehouse COPY.
type Document struct {
	Entries []DocEntry `json:"entries"`
}

// NewDocument builds the wire document for entries within dataBucket.
func NewDocument(dataBucket string, entries []Entry) Document {
	doc := Document{Entries: make([]DocEntry, 0, len(entries))}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, DocEntry{
			URL:       catalog.URI(dataBucket, e.Key),
			Mandatory: e.Mandatory,
		})
	}
	return doc
}

// Encode renders the document as indented JSON.
func (d Document) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// ParseDocument decodes and validates a manifest document.
func ParseDocument(r io.Reader) (*Document, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(d.Entries) == 0 {
		return nil, errors.New("manifest has no entries")
	}
	for _, e := range d.Entries {
		if _, _, err := catalog.ParseURI(e.URL); err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", e.URL, err)
		}
	}
	return &d, nil
}

// Builder diffs a catalog prefix against the load state and uploads the
// resulting manifest document.
type Builder struct {
	Lister     catalog.Lister
	Putter     catalog.Putter
	DataBucket string
	Policy     Policy
}

// Build lists the prefix and diffs it against loaded keys. A listing failure
// surfaces as-is (transient, whole-run retry); no partial manifest is
// ever returned.
func (b *Builder) Build(ctx context.Context, prefix string, loaded map[string]bool, force bool) ([]Entry, error) {
	listing, err := b.Lister.List(ctx, b.DataBucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list catalog prefix %q: %w", prefix, err)
	}
	return Diff(listing, loaded, b.Policy, force), nil
}

// Upload writes the manifest document for entries to the manifest bucket and
// returns its locator.
func (b *Builder) Upload(ctx context.Context, manifestBucket, manifestKey string, entries []Entry) (string, error) {
	doc := NewDocument(b.DataBucket, entries)
	data, err := doc.Encode()
	if err != nil {
		return "", err
	}
	if err := b.Putter.Put(ctx, manifestBucket, manifestKey, data, "application/json"); err != nil {
		return "", fmt.Errorf("upload manifest: %w", err)
	}
	return catalog.URI(manifestBucket, manifestKey), nil
}
