package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fpang/shipment-bundler/internal/blob"
)

// Source is a batch location given on the command line: either a local file
// or an object URI.
type Source struct {
	Path   string
	Bucket string
	Key    string
}

// Remote reports whether the source is an object in a bucket.
func (s Source) Remote() bool {
	return s.Bucket != ""
}

// String renders the source as it is recorded on the job.
func (s Source) String() string {
	if s.Remote() {
		return blob.URI(s.Bucket, s.Key)
	}
	return s.Path
}

// ResolveSource interprets arg as s3://, gs:// or a local file path. Local
// paths must name an existing regular file and are made absolute.
func ResolveSource(arg string) (Source, error) {
	if strings.Contains(arg, "://") {
		bucket, key, ok := blob.ParseURI(arg)
		if !ok {
			return Source{}, fmt.Errorf("invalid object URI %q", arg)
		}
		return Source{Bucket: bucket, Key: key}, nil
	}

	info, err := os.Stat(arg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Source{}, fmt.Errorf("batch file not found: %s", arg)
		}
		return Source{}, fmt.Errorf("access batch file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Source{}, fmt.Errorf("not a regular file: %s", arg)
	}
	if abs, err := filepath.Abs(arg); err == nil {
		arg = abs
	}
	return Source{Path: arg}, nil
}

// ParsePackageNumber parses a 1-based package number.
func ParsePackageNumber(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid package number %q", arg)
	}
	return n, nil
}
