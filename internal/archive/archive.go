// Package archive bundles downloaded images and a manifest into one zip file.
package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/download"
)

// ManifestName is the first entry of every archive.
const ManifestName = "package_metadata.json"

// Compression methods.
const (
	MethodDeflate = "deflate"
	MethodZstd    = "zstd"
)

// deflateLevel trades speed for size on already-compressed image data.
const deflateLevel = 6

// Input is everything needed to build one package archive.
type Input struct {
	JobID         string
	PackageID     string
	PackageNumber int
	PackageCount  int
	// ObjectPath is where the archive will be uploaded.
	ObjectPath string
	// Results are the downloader results; only successes are archived and
	// failures are listed in the manifest.
	Results []download.Result
}

// Archive describes a finished archive.
type Archive struct {
	JobID            string  `json:"job_id"`
	PackageNumber    int     `json:"package_number"`
	ObjectPath       string  `json:"object_path"`
	LocalPath        string  `json:"-"`
	ByteSize         int64   `json:"byte_size"`
	OriginalBytes    int64   `json:"original_bytes"`
	ItemCount        int     `json:"item_count"`
	ContentHash      string  `json:"content_hash"`
	CompressionRatio float64 `json:"compression_ratio"`
	Method           string  `json:"method"`
}

// Metadata returns the object metadata attached on upload.
func (a *Archive) Metadata() map[string]string {
	return map[string]string{
		"job-id":            a.JobID,
		"package-number":    fmt.Sprint(a.PackageNumber),
		"file-count":        fmt.Sprint(a.ItemCount),
		"compression-ratio": fmt.Sprintf("%.2f", a.CompressionRatio),
		"content-hash":      a.ContentHash,
	}
}

// Builder writes archives with one compression method.
type Builder struct {
	method string
	now    func() time.Time
}

// NewBuilder returns a Builder. Unknown methods fall back to deflate.
func NewBuilder(method string) *Builder {
	if method != MethodZstd {
		method = MethodDeflate
	}
	return &Builder{method: method, now: time.Now}
}

func (b *Builder) zipMethod() uint16 {
	if b.method == MethodZstd {
		return zstd.ZipMethodWinZip
	}
	return zip.Deflate
}

func (b *Builder) newWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, deflateLevel)
	})
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedDefault)))
	return zw
}

// ErrNoItems is returned when no download succeeded.
var ErrNoItems = errors.New("no items to archive")

// Build writes the archive to dst. The manifest is written first and the
// images follow under flattened, numbered names. dst is only left behind on
// success.
func (b *Builder) Build(ctx context.Context, in Input, dst string) (arc *Archive, err error) {
	manifest := b.manifest(in)
	if manifest.ItemCount == 0 {
		return nil, ErrNoItems
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(dst)
		}
	}()

	hasher := sha256.New()
	zw := b.newWriter(io.MultiWriter(f, hasher))

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := b.writeEntry(zw, ManifestName, strings.NewReader(string(manifestJSON))); err != nil {
		return nil, err
	}

	var original int64
	for _, item := range manifest.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := os.Open(item.localPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", item.localPath, err)
		}
		err = b.writeEntry(zw, item.Name, src)
		src.Close()
		if err != nil {
			return nil, err
		}
		original += item.SizeBytes
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}

	arc = &Archive{
		JobID:            in.JobID,
		PackageNumber:    in.PackageNumber,
		ObjectPath:       in.ObjectPath,
		LocalPath:        dst,
		ByteSize:         info.Size(),
		OriginalBytes:    original,
		ItemCount:        manifest.ItemCount,
		ContentHash:      hex.EncodeToString(hasher.Sum(nil)),
		CompressionRatio: CompressionRatio(original, info.Size()),
		Method:           b.method,
	}
	log.Debug().
		Str("jobId", in.JobID).
		Int("packageNumber", in.PackageNumber).
		Int("items", arc.ItemCount).
		Int64("bytes", arc.ByteSize).
		Float64("ratio", arc.CompressionRatio).
		Msg("Archive built")
	return arc, nil
}

func (b *Builder) writeEntry(zw *zip.Writer, name string, r io.Reader) error {
	h := &zip.FileHeader{Name: name, Method: b.zipMethod()}
	h.Modified = b.now().UTC()
	w, err := zw.CreateHeader(h)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("write zip entry %s: %w", name, err)
	}
	return nil
}

// CompressionRatio is (original - compressed) / original as a percentage
// clamped to [0, 100].
func CompressionRatio(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	r := float64(original-compressed) / float64(original) * 100
	switch {
	case r < 0:
		return 0
	case r > 100:
		return 100
	}
	return float64(int64(r*100+0.5)) / 100
}

// entryName flattens a source reference into "NNN_base.ext".
func entryName(index int, ref, localPath string) string {
	base := ref
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	base = path.Base(base)
	ext := filepath.Ext(localPath)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	if base == "" || base == "-" {
		base = "image"
	}
	if len(base) > 80 {
		base = base[:80]
	}
	return fmt.Sprintf("%03d_%s%s", index, base, ext)
}
