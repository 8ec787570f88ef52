package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is an in-memory catalog. It backs the local warehouse engine in
// development and every hermetic test of the load path.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]storedObject
	now     func() time.Time
}

type storedObject struct {
	body     []byte
	modified time.Time
}

var _ Catalog = (*Store)(nil)

// NewStore creates an empty in-memory catalog.
func NewStore() *Store {
	return &Store{
		buckets: make(map[string]map[string]storedObject),
		now:     time.Now,
	}
}

// List returns objects under prefix in ascending key order.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []Object
	for key, obj := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, Object{
				Key:          key,
				Size:         int64(len(obj.body)),
				LastModified: obj.modified,
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Get streams a stored object.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, 0, fmt.Errorf("object not found: %s", URI(bucket, key))
	}
	return io.NopCloser(bytes.NewReader(obj.body)), int64(len(obj.body)), nil
}

// Put stores an object, overwriting any previous body.
func (s *Store) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = contentType

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buckets[bucket] == nil {
		s.buckets[bucket] = make(map[string]storedObject)
	}
	s.buckets[bucket][key] = storedObject{
		body:     append([]byte(nil), body...),
		modified: s.now(),
	}
	return nil
}

// Delete removes an object if present. Used by tests to simulate objects
// vanishing between listing and load.
func (s *Store) Delete(bucket, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
}
