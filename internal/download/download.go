// Package download fetches the images referenced by one package into a local
// working directory. Per-item failures are recorded and never abort sibling
// downloads.
package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/fault"
	"github.com/fpang/shipment-bundler/internal/workpool"
)

// Source types recorded in results and manifests.
const (
	SourceBlob = "blob"
	SourceHTTP = "http"
)

// Failure reasons.
const (
	ReasonNotFound        = "not_found"
	ReasonOversized       = "oversized"
	ReasonUnsupportedType = "unsupported_type"
	ReasonInvalidContent  = "invalid_content"
	ReasonTimeout         = "timeout"
	ReasonFetchFailed     = "fetch_failed"
	ReasonSizeMismatch    = "size_mismatch"
)

// userAgent identifies HTTP fetches.
const userAgent = "ShipmentBundler/1.0"

// allowedExtensions is the image extension allow-list.
var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".bmp": true, ".tiff": true, ".tif": true, ".svg": true,
}

// AllowedExtension reports whether ext (with dot, any case) is accepted.
func AllowedExtension(ext string) bool {
	return allowedExtensions[strings.ToLower(ext)]
}

// Result is the outcome for one referenced path.
type Result struct {
	SourceRef   string
	SourceType  string
	Success     bool
	LocalPath   string
	LocalSize   int64
	ContentType string
	Reason      string
	Err         error
}

// Stats aggregates one package's downloads.
type Stats struct {
	Attempted  int   `json:"attempted"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	TotalBytes int64 `json:"total_bytes"`
}

// Options configures a Downloader.
type Options struct {
	// ImageBucket serves references that are neither URIs nor URLs.
	ImageBucket string
	MaxBytes    int64
	ItemTimeout time.Duration
}

// Downloader fetches images on a shared worker pool.
type Downloader struct {
	blobs blob.Store
	http  *http.Client
	pool  *workpool.Pool
	opts  Options
}

// New creates a Downloader. httpClient may be nil.
func New(blobs blob.Store, httpClient *http.Client, pool *workpool.Pool, opts Options) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 30 * time.Second
	}
	return &Downloader{blobs: blobs, http: httpClient, pool: pool, opts: opts}
}

// CollectRefs flattens refs in item order, dropping repeated paths.
func CollectRefs(itemIDs []string, refs map[string][]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range itemIDs {
		for _, p := range refs[id] {
			p = strings.TrimSpace(p)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Download fetches every ref into dir and returns one Result per ref, in ref
// order, plus aggregated stats. The returned error is non-nil only when dir
// cannot be prepared or ctx ends before the pool drains.
func (d *Downloader) Download(ctx context.Context, refs []string, dir string) ([]Result, Stats, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Stats{}, fmt.Errorf("create download dir: %w", err)
	}

	results := make([]Result, len(refs))
	err := d.pool.Run(ctx, len(refs), func(ctx context.Context, i int) error {
		results[i] = d.fetch(ctx, refs[i], dir, fmt.Sprintf("image_%d", i+1))
		return nil
	})

	stats := Stats{Attempted: len(refs)}
	for i, r := range results {
		if r.SourceRef == "" {
			// Never started because ctx ended.
			results[i] = failed(refs[i], "", ReasonTimeout, ctx.Err())
			r = results[i]
		}
		if r.Success {
			stats.Succeeded++
			stats.TotalBytes += r.LocalSize
		} else {
			stats.Failed++
			log.Warn().
				Str("ref", r.SourceRef).
				Str("reason", r.Reason).
				Err(r.Err).
				Msg("Image download failed")
		}
	}
	return results, stats, err
}

func failed(ref, sourceType, reason string, err error) Result {
	return Result{
		SourceRef:  ref,
		SourceType: sourceType,
		Reason:     reason,
		Err:        fault.Resource(ref, reason, err),
	}
}

func (d *Downloader) fetch(ctx context.Context, ref, dir, base string) Result {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ItemTimeout)
	defer cancel()

	var res Result
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		res = d.fetchHTTP(ctx, ref, dir, base)
	default:
		bucket, key, ok := blob.ParseURI(ref)
		if !ok {
			bucket, key = d.opts.ImageBucket, strings.TrimPrefix(ref, "/")
		}
		res = d.fetchBlob(ctx, ref, bucket, key, dir, base)
	}
	if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Reason = ReasonTimeout
		res.Err = fault.Resource(ref, ReasonTimeout, context.DeadlineExceeded)
	}
	if !res.Success && res.LocalPath != "" {
		_ = os.Remove(res.LocalPath)
		res.LocalPath = ""
	}
	return res
}

func (d *Downloader) fetchBlob(ctx context.Context, ref, bucket, key, dir, base string) Result {
	ext := strings.ToLower(path.Ext(key))
	if !AllowedExtension(ext) {
		return failed(ref, SourceBlob, ReasonUnsupportedType, fmt.Errorf("extension %q not allowed", ext))
	}
	if bucket == "" {
		return failed(ref, SourceBlob, ReasonNotFound, errors.New("no image bucket configured for relative path"))
	}

	info, err := d.blobs.Head(ctx, bucket, key)
	if errors.Is(err, blob.ErrNotFound) {
		return failed(ref, SourceBlob, ReasonNotFound, err)
	}
	if err != nil {
		return failed(ref, SourceBlob, ReasonFetchFailed, err)
	}
	if info.Size > d.opts.MaxBytes {
		return failed(ref, SourceBlob, ReasonOversized, fmt.Errorf("%d bytes exceeds %d", info.Size, d.opts.MaxBytes))
	}

	body, _, err := d.blobs.Get(ctx, bucket, key)
	if errors.Is(err, blob.ErrNotFound) {
		return failed(ref, SourceBlob, ReasonNotFound, err)
	}
	if err != nil {
		return failed(ref, SourceBlob, ReasonFetchFailed, err)
	}
	defer body.Close()

	res := d.save(body, ref, SourceBlob, filepath.Join(dir, base+ext), ext)
	if res.Success && res.LocalSize != info.Size {
		local := res.LocalPath
		res = failed(ref, SourceBlob, ReasonSizeMismatch, fmt.Errorf("expected %d bytes, got %d", info.Size, res.LocalSize))
		res.LocalPath = local
	}
	res.ContentType = info.ContentType
	return res
}

func (d *Downloader) fetchHTTP(ctx context.Context, ref, dir, base string) Result {
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return failed(ref, SourceHTTP, ReasonFetchFailed, fmt.Errorf("invalid url: %v", err))
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		ext = ".jpg"
	}
	if !AllowedExtension(ext) {
		return failed(ref, SourceHTTP, ReasonUnsupportedType, fmt.Errorf("extension %q not allowed", ext))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return failed(ref, SourceHTTP, ReasonFetchFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := d.http.Do(req)
	if err != nil {
		return failed(ref, SourceHTTP, ReasonFetchFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return failed(ref, SourceHTTP, ReasonNotFound, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return failed(ref, SourceHTTP, ReasonFetchFailed, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.ContentLength > d.opts.MaxBytes {
		return failed(ref, SourceHTTP, ReasonOversized, fmt.Errorf("%d bytes exceeds %d", resp.ContentLength, d.opts.MaxBytes))
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "image/") {
		log.Warn().Str("ref", ref).Str("contentType", ct).Msg("Suspicious Content-Type for image")
	}

	res := d.save(resp.Body, ref, SourceHTTP, filepath.Join(dir, base+ext), ext)
	res.ContentType = ct
	return res
}

// save streams r to dst, enforcing MaxBytes while copying and checking that
// the content decodes as the image format it claims to be.
func (d *Downloader) save(r io.Reader, ref, sourceType, dst, ext string) Result {
	f, err := os.Create(dst)
	if err != nil {
		return failed(ref, sourceType, ReasonFetchFailed, err)
	}

	w := bufio.NewWriter(f)
	n, copyErr := io.Copy(w, io.LimitReader(r, d.opts.MaxBytes+1))
	if copyErr == nil {
		copyErr = w.Flush()
	}
	closeErr := f.Close()
	res := Result{SourceRef: ref, SourceType: sourceType, LocalPath: dst}
	switch {
	case copyErr != nil:
		out := failed(ref, sourceType, ReasonFetchFailed, copyErr)
		out.LocalPath = dst
		return out
	case closeErr != nil:
		out := failed(ref, sourceType, ReasonFetchFailed, closeErr)
		out.LocalPath = dst
		return out
	case n > d.opts.MaxBytes:
		out := failed(ref, sourceType, ReasonOversized, fmt.Errorf("more than %d bytes", d.opts.MaxBytes))
		out.LocalPath = dst
		return out
	case n == 0:
		out := failed(ref, sourceType, ReasonInvalidContent, errors.New("empty body"))
		out.LocalPath = dst
		return out
	}

	if err := checkDecodable(dst, ext); err != nil {
		out := failed(ref, sourceType, ReasonInvalidContent, err)
		out.LocalPath = dst
		return out
	}

	res.Success = true
	res.LocalSize = n
	return res
}

// checkDecodable reads the image header. SVG is text and is accepted as is.
func checkDecodable(p, ext string) error {
	if ext == ".svg" {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, _, err := image.DecodeConfig(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("not a decodable image: %w", err)
	}
	return nil
}
