package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/shipment-bundler/internal/download"
)

func writeImage(t *testing.T, dir, name string, side int) download.Result {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for i := 0; i < side; i++ {
		img.Set(i, i, color.RGBA{G: 180, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))
	return download.Result{
		SourceRef:   "shipments/" + name,
		SourceType:  download.SourceBlob,
		Success:     true,
		LocalPath:   p,
		LocalSize:   int64(buf.Len()),
		ContentType: "image/png",
	}
}

func fixedBuilder(method string) *Builder {
	b := NewBuilder(method)
	b.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return b
}

func TestBuildWritesManifestFirst(t *testing.T) {
	for _, method := range []string{MethodDeflate, MethodZstd} {
		t.Run(method, func(t *testing.T) {
			dir := t.TempDir()
			in := Input{
				JobID:         "job-1",
				PackageID:     "pkg-1",
				PackageNumber: 2,
				PackageCount:  3,
				ObjectPath:    "job-1/2_images.zip",
				Results: []download.Result{
					writeImage(t, dir, "image_1.png", 32),
					{SourceRef: "https://cdn.example.com/gone.jpg", SourceType: download.SourceHTTP, Reason: download.ReasonNotFound},
					writeImage(t, dir, "image_3.png", 16),
				},
			}

			arc, err := fixedBuilder(method).Build(context.Background(), in, filepath.Join(dir, "out", "pkg.zip"))
			require.NoError(t, err)
			assert.Equal(t, 2, arc.ItemCount)
			assert.Equal(t, method, arc.Method)
			assert.Len(t, arc.ContentHash, 64)
			assert.Equal(t, in.Results[0].LocalSize+in.Results[2].LocalSize, arc.OriginalBytes)
			assert.GreaterOrEqual(t, arc.CompressionRatio, 0.0)
			assert.LessOrEqual(t, arc.CompressionRatio, 100.0)

			manifest, err := Verify(arc.LocalPath, arc.ContentHash)
			require.NoError(t, err)
			assert.Equal(t, "job-1", manifest.JobID)
			assert.Equal(t, 2, manifest.PackageNumber)
			assert.Equal(t, 3, manifest.PackageCount)
			require.Len(t, manifest.Items, 2)
			assert.Equal(t, "001_image_1.png", manifest.Items[0].Name)
			assert.Equal(t, "002_image_3.png", manifest.Items[1].Name)
			require.Len(t, manifest.Failed, 1)
			assert.Equal(t, download.ReasonNotFound, manifest.Failed[0].Reason)

			zr, err := zip.OpenReader(arc.LocalPath)
			require.NoError(t, err)
			defer zr.Close()
			names := make([]string, 0, len(zr.File))
			for _, f := range zr.File {
				names = append(names, f.Name)
			}
			assert.Equal(t, []string{ManifestName, "001_image_1.png", "002_image_3.png"}, names)
		})
	}
}

func TestBuildWithNoSuccessesFails(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "pkg.zip")
	_, err := NewBuilder(MethodDeflate).Build(context.Background(), Input{
		JobID:   "job-1",
		Results: []download.Result{{SourceRef: "a.jpg", Reason: download.ReasonNotFound}},
	}, dst)
	assert.ErrorIs(t, err, ErrNoItems)
	assert.NoFileExists(t, dst)
}

func TestBuildRemovesPartialArchiveOnError(t *testing.T) {
	dir := t.TempDir()
	res := writeImage(t, dir, "image_1.png", 8)
	res.LocalPath = filepath.Join(dir, "vanished.png")
	dst := filepath.Join(dir, "pkg.zip")

	_, err := NewBuilder(MethodDeflate).Build(context.Background(), Input{JobID: "j", Results: []download.Result{res}}, dst)
	require.Error(t, err)
	assert.NoFileExists(t, dst)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	in := Input{JobID: "job-1", PackageNumber: 1, PackageCount: 1, Results: []download.Result{writeImage(t, dir, "image_1.png", 64)}}
	arc, err := fixedBuilder(MethodDeflate).Build(context.Background(), in, filepath.Join(dir, "pkg.zip"))
	require.NoError(t, err)

	t.Run("hash mismatch", func(t *testing.T) {
		_, err := Verify(arc.LocalPath, "deadbeef")
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("flipped byte", func(t *testing.T) {
		zr, err := zip.OpenReader(arc.LocalPath)
		require.NoError(t, err)
		offset, err := zr.File[1].DataOffset()
		require.NoError(t, err)
		require.NoError(t, zr.Close())

		data, err := os.ReadFile(arc.LocalPath)
		require.NoError(t, err)
		data[offset+2] ^= 0xFF
		bad := filepath.Join(dir, "bad.zip")
		require.NoError(t, os.WriteFile(bad, data, 0o644))

		_, err = Verify(bad, "")
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		bad := filepath.Join(dir, "short.zip")
		require.NoError(t, os.WriteFile(bad, []byte("PK\x03\x04"), 0o644))
		_, err := Verify(bad, "")
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestCompressionRatio(t *testing.T) {
	assert.Equal(t, 0.0, CompressionRatio(0, 10))
	assert.Equal(t, 0.0, CompressionRatio(100, 150))
	assert.Equal(t, 75.0, CompressionRatio(100, 25))
	assert.Equal(t, 33.33, CompressionRatio(300, 200))
}

func TestEntryName(t *testing.T) {
	assert.Equal(t, "001_front.jpg", entryName(1, "s3://bucket/a/b/front.jpg", "/tmp/x/image_1.jpg"))
	assert.Equal(t, "012_photo.jpg", entryName(12, "https://cdn.example.com/p/photo?sig=1", "/tmp/x/image_12.jpg"))
	assert.Equal(t, "003_my-pic-1-.png", entryName(3, "dir/my pic(1).png", "/tmp/x/image_3.png"))
}

func TestMetadataKeys(t *testing.T) {
	a := &Archive{JobID: "j", PackageNumber: 4, ItemCount: 9, CompressionRatio: 12.5, ContentHash: "abc"}
	md := a.Metadata()
	assert.Equal(t, "4", md["package-number"])
	assert.Equal(t, "9", md["file-count"])
	assert.Equal(t, "12.50", md["compression-ratio"])
}
