package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{59 * time.Second, "0:59"},
		{3*time.Minute + 7*time.Second, "3:07"},
		{2*time.Hour + 5*time.Minute + 9*time.Second, "2:05:09"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDurationShort(tt.d), tt.d.String())
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KiB", FormatBytes(1536))
	assert.Equal(t, "3.0 MiB", FormatBytes(3<<20))
	assert.Equal(t, "2.0 GiB", FormatBytes(2<<30))
}

type sample struct {
	JobID string   `json:"job_id"`
	Count int      `json:"count"`
	Tags  []string `json:"tags,omitempty"`
}

func TestRender(t *testing.T) {
	v := sample{JobID: "job-1", Count: 3, Tags: []string{"a"}}

	var y bytes.Buffer
	require.NoError(t, Render(&y, FormatYAML, v))
	assert.Equal(t, "count: 3\njob_id: job-1\ntags:\n  - a\n", y.String())

	var j bytes.Buffer
	require.NoError(t, Render(&j, "JSON", v))
	assert.JSONEq(t, `{"job_id":"job-1","count":3,"tags":["a"]}`, j.String())

	assert.Error(t, Render(&j, "toml", v))
}

func TestResolveSource(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(file, []byte("{}"), 0o644))

	src, err := ResolveSource(file)
	require.NoError(t, err)
	assert.False(t, src.Remote())
	assert.Equal(t, file, src.Path)

	src, err = ResolveSource("s3://inbound/batches/a.json")
	require.NoError(t, err)
	assert.True(t, src.Remote())
	assert.Equal(t, "inbound", src.Bucket)
	assert.Equal(t, "batches/a.json", src.Key)
	assert.Equal(t, "s3://inbound/batches/a.json", src.String())

	_, err = ResolveSource("s3://inbound")
	assert.Error(t, err)
	_, err = ResolveSource(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "not found")
	_, err = ResolveSource(dir)
	assert.ErrorContains(t, err, "not a regular file")
}

func TestParsePackageNumber(t *testing.T) {
	n, err := ParsePackageNumber("3")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, bad := range []string{"0", "-1", "x", ""} {
		_, err := ParsePackageNumber(bad)
		assert.Error(t, err, bad)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"yes", true},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got := Confirm(strings.NewReader(tt.input), &out, "Delete?")
		assert.Equal(t, tt.want, got, "%q", tt.input)
		assert.Equal(t, "Delete? [y/N]: ", out.String())
	}
}
