// Package blob is the object storage port used by every stage: inbound batch
// files, package documents, source images and archives all live behind it.
package blob

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/fpang/shipment-bundler/internal/fault"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = fault.ErrNotFound

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// PutOptions carries optional attributes for a write.
type PutOptions struct {
	ContentType        string
	ContentDisposition string
	Metadata           map[string]string
}

// Store is the object storage port.
type Store interface {
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Put(ctx context.Context, bucket, key string, body io.ReadSeeker, opts PutOptions) error
	Delete(ctx context.Context, bucket, key string) error
	// List returns every object under prefix.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	// DeleteObjects removes keys and returns how many were deleted.
	DeleteObjects(ctx context.Context, bucket string, keys []string) (int, error)
}

// Presigner issues read-only signed URLs.
type Presigner interface {
	// PresignGet returns a GET URL valid for ttl. A non-empty filename is
	// sent back as the Content-Disposition attachment name.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration, filename string) (string, error)
}

// ReadAll fetches an object fully into memory.
func ReadAll(ctx context.Context, s Store, bucket, key string) ([]byte, error) {
	body, _, err := s.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// ParseURI splits "s3://bucket/key" or "gs://bucket/key" into bucket and key.
// gs:// references from older batch files are served from the bucket of the
// same name.
func ParseURI(uri string) (bucket, key string, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(uri, "s3://"):
		rest = uri[len("s3://"):]
	case strings.HasPrefix(uri, "gs://"):
		rest = uri[len("gs://"):]
	default:
		return "", "", false
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// URI renders an s3:// reference.
func URI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}
