package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data     []byte
	opts     PutOptions
	modified time.Time
}

// MemoryStore is an in-process Store and Presigner used by tests and local
// runs. It also serves its presigned URLs over HTTP, answering 403 once a
// URL has expired and 404 for missing objects.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// BaseURL prefixes presigned URLs, e.g. an httptest server URL.
	BaseURL string
	// Now is the clock used for signing and expiry checks.
	Now func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		BaseURL: "http://blob.local",
		Now:     time.Now,
	}
}

func memKey(bucket, key string) string { return bucket + "/" + key }

// PutBytes stores data directly.
func (m *MemoryStore) PutBytes(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[memKey(bucket, key)] = memObject{data: bytes.Clone(data), modified: m.Now()}
}

// Bytes returns a copy of a stored object.
func (m *MemoryStore) Bytes(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[memKey(bucket, key)]
	return bytes.Clone(obj.data), ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemoryStore) info(bucket, key string, obj memObject) ObjectInfo {
	return ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.opts.ContentType,
		LastModified: obj.modified,
		Metadata:     maps.Clone(obj.opts.Metadata),
	}
}

func (m *MemoryStore) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[memKey(bucket, key)]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrNotFound)
	}
	return m.info(bucket, key, obj), nil
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	info, err := m.Head(ctx, bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	data, _ := m.Bytes(bucket, key)
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, body io.ReadSeeker, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[memKey(bucket, key)] = memObject{data: data, opts: opts, modified: m.Now()}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, memKey(bucket, key))
	return nil
}

func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectInfo
	full := memKey(bucket, prefix)
	for k, obj := range m.objects {
		if strings.HasPrefix(k, full) {
			out = append(out, m.info(bucket, strings.TrimPrefix(k, bucket+"/"), obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) DeleteObjects(ctx context.Context, bucket string, keys []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := m.objects[memKey(bucket, k)]; ok {
			delete(m.objects, memKey(bucket, k))
			n++
		}
	}
	return n, nil
}

// PresignGet returns BaseURL/bucket/key with X-Amz-Date and X-Amz-Expires
// query parameters in the same shape S3 uses.
func (m *MemoryStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration, filename string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("X-Amz-Date", m.Now().UTC().Format(AmzDateFormat))
	q.Set("X-Amz-Expires", strconv.Itoa(int(ttl.Seconds())))
	if filename != "" {
		q.Set("response-content-disposition", "attachment; filename="+filename)
	}
	return fmt.Sprintf("%s/%s/%s?%s", strings.TrimSuffix(m.BaseURL, "/"), bucket, key, q.Encode()), nil
}

// ServeHTTP serves GET and HEAD for URLs produced by PresignGet.
func (m *MemoryStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	expiry, err := ExpiryFromURL(r.URL.String())
	if err != nil {
		http.Error(w, "missing signature", http.StatusForbidden)
		return
	}
	if !m.Now().Before(expiry) {
		http.Error(w, "Request has expired", http.StatusForbidden)
		return
	}
	data, found := m.Bytes(bucket, key)
	if !found {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Type", "application/zip")
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}
