package jobs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageIDIsDeterministic(t *testing.T) {
	a := PackageID("job-1", 2)
	b := PackageID("job-1", 2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, PackageID("job-1", 3))
	assert.NotEqual(t, a, PackageID("job-2", 2))

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}

func TestNewJobIDIsUnique(t *testing.T) {
	assert.NotEqual(t, NewJobID(), NewJobID())
}

func TestPackageCount(t *testing.T) {
	assert.Equal(t, 3, PackageCount(250, 100))
	assert.Equal(t, 1, PackageCount(100, 100))
	assert.Equal(t, 2, PackageCount(101, 100))
	assert.Equal(t, 1, PackageCount(1, 100))
	assert.Equal(t, 0, PackageCount(0, 100))
}

func TestNaming(t *testing.T) {
	assert.Equal(t, "job-1/2_images.zip", ArchiveKey("job-1", 2))
	assert.Equal(t, "job-1_2_of_3.json", PackageObjectName("job-1", 2, 3))
	assert.Equal(t, "2/3", Label(2, 3))
}

func TestParsePackageObjectName(t *testing.T) {
	jobID, n, m, ok := ParsePackageObjectName("packages/3f2a_b_2_of_3.json")
	require.True(t, ok)
	assert.Equal(t, "3f2a_b", jobID)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, m)

	for _, bad := range []string{"job_2_of_3.txt", "job_of_3.json", "job_4_of_3.json", "job_x_of_3.json"} {
		_, _, _, ok := ParsePackageObjectName(bad)
		assert.False(t, ok, bad)
	}
}

func TestParseRoute(t *testing.T) {
	id, action, ok := ParseRoute("/api/jobs/abc/packages", "/api/jobs/")
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "packages", action)

	id, action, ok = ParseRoute("/api/jobs/abc", "/api/jobs/")
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Empty(t, action)

	_, _, ok = ParseRoute("/api/jobs/", "/api/jobs/")
	assert.False(t, ok)
	_, _, ok = ParseRoute("/api/other/abc", "/api/jobs/")
	assert.False(t, ok)
	_, _, ok = ParseRoute("/api/jobs/a/b/c", "/api/jobs/")
	assert.False(t, ok)
}
