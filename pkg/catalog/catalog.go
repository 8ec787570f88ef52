// Package catalog provides access to the object store holding source data
// and pipeline artifacts (manifests, reference CSVs).
//
// The pipeline consumes the catalog through the small interfaces below so
// the local warehouse engine and tests can substitute the in-memory Store.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Object describes a single catalog entry from a listing.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// URL returns the object's s3:// locator within bucket.
func (o Object) URL(bucket string) string {
	return URI(bucket, o.Key)
}

// Lister lists objects under a prefix, in ascending key order.
type Lister interface {
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
}

// Getter streams a single object.
type Getter interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// Putter uploads a small artifact (manifest document, reference CSV).
type Putter interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
}

// Catalog combines every catalog capability the pipeline uses.
type Catalog interface {
	Lister
	Getter
	Putter
}

// URI builds an s3:// locator from bucket and key.
func URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// ParseURI splits an s3:// locator into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}

	path := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 1 || parts[0] == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}

	bucket = parts[0]
	if len(parts) == 2 {
		key = parts[1]
	}

	return bucket, key, nil
}
