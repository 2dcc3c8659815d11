package archive

import (
	"os"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// Manifest is the JSON document stored as the first archive entry.
type Manifest struct {
	JobID         string         `json:"job_id"`
	PackageID     string         `json:"package_id"`
	PackageNumber int            `json:"package_number"`
	PackageCount  int            `json:"package_count"`
	ItemCount     int            `json:"item_count"`
	TotalBytes    int64          `json:"total_bytes"`
	Method        string         `json:"compression_method"`
	CreatedAt     time.Time      `json:"created_at"`
	Items         []ManifestItem `json:"items"`
	Failed        []FailedItem   `json:"failed,omitempty"`
}

// ManifestItem describes one archived image.
type ManifestItem struct {
	Name        string     `json:"name"`
	SourcePath  string     `json:"source_path"`
	SourceType  string     `json:"source_type"`
	SizeBytes   int64      `json:"size_bytes"`
	ContentType string     `json:"content_type,omitempty"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	Camera      string     `json:"camera,omitempty"`

	localPath string
}

// FailedItem records a reference that could not be downloaded.
type FailedItem struct {
	SourcePath string `json:"source_path"`
	Reason     string `json:"reason"`
}

func (b *Builder) manifest(in Input) Manifest {
	m := Manifest{
		JobID:         in.JobID,
		PackageID:     in.PackageID,
		PackageNumber: in.PackageNumber,
		PackageCount:  in.PackageCount,
		Method:        b.method,
		CreatedAt:     b.now().UTC(),
	}
	for _, r := range in.Results {
		if !r.Success {
			m.Failed = append(m.Failed, FailedItem{SourcePath: r.SourceRef, Reason: r.Reason})
			continue
		}
		item := ManifestItem{
			Name:        entryName(len(m.Items)+1, r.SourceRef, r.LocalPath),
			SourcePath:  r.SourceRef,
			SourceType:  r.SourceType,
			SizeBytes:   r.LocalSize,
			ContentType: r.ContentType,
			localPath:   r.LocalPath,
		}
		item.CapturedAt, item.Camera = exifSummary(r.LocalPath)
		m.Items = append(m.Items, item)
		m.TotalBytes += r.LocalSize
	}
	m.ItemCount = len(m.Items)
	return m
}

// exifSummary reads capture time and camera from formats that carry EXIF.
// Missing or unreadable metadata is not an error.
func exifSummary(p string) (*time.Time, string) {
	switch strings.ToLower(p[strings.LastIndex(p, ".")+1:]) {
	case "jpg", "jpeg", "tif", "tiff":
	default:
		return nil, ""
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, ""
	}
	defer f.Close()

	exif, err := imagemeta.Decode(f)
	if err != nil {
		log.Debug().Err(err).Str("path", p).Msg("No EXIF metadata")
		return nil, ""
	}

	var captured *time.Time
	if t := exif.DateTimeOriginal(); !t.IsZero() {
		captured = &t
	} else if t := exif.CreateDate(); !t.IsZero() {
		captured = &t
	}
	camera := strings.TrimSpace(strings.TrimSpace(exif.Make) + " " + strings.TrimSpace(exif.Model))
	return captured, camera
}
