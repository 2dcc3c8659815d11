package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// ErrCorrupt is returned by Verify when an archive fails an integrity check.
var ErrCorrupt = errors.New("archive corrupt")

// Verify re-hashes the archive at p, compares it with wantHash when set, and
// reads every entry so that CRC mismatches surface. It returns the manifest.
func Verify(p, wantHash string) (*Manifest, error) {
	if wantHash != "" {
		got, err := hashFile(p)
		if err != nil {
			return nil, err
		}
		if got != wantHash {
			return nil, fmt.Errorf("%w: hash %s, want %s", ErrCorrupt, got, wantHash)
		}
	}

	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	if len(zr.File) == 0 || zr.File[0].Name != ManifestName {
		return nil, fmt.Errorf("%w: first entry is not %s", ErrCorrupt, ManifestName)
	}

	var manifest Manifest
	for i, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrCorrupt, f.Name, err)
		}
		if i == 0 {
			err = json.NewDecoder(rc).Decode(&manifest)
			if err == nil {
				// Drain so the CRC is checked.
				_, err = io.Copy(io.Discard, rc)
			}
		} else {
			_, err = io.Copy(io.Discard, rc)
		}
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, f.Name, err)
		}
	}

	if manifest.ItemCount != len(zr.File)-1 {
		return nil, fmt.Errorf("%w: manifest lists %d items, archive holds %d", ErrCorrupt, manifest.ItemCount, len(zr.File)-1)
	}
	return &manifest, nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash archive: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
