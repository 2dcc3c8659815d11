package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/jobs"
	"github.com/fpang/shipment-bundler/internal/lifecycle"
	"github.com/fpang/shipment-bundler/internal/links"
	"github.com/fpang/shipment-bundler/internal/pipeline"
	"github.com/fpang/shipment-bundler/internal/store"
)

func newTestServer(t *testing.T) (*server, *store.MemoryStore, *blob.MemoryStore) {
	t.Helper()
	state := store.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, state.CreateJob(context.Background(),
		&store.Job{ID: "job-1", SourceObject: "s3://inbound/a.json", TotalItems: 3, TotalPackages: 2, StartedAt: now},
		[]*store.Package{
			{JobID: "job-1", Number: 1, Count: 2, ItemIDs: []string{"a", "b"}},
			{JobID: "job-1", Number: 2, Count: 2, ItemIDs: []string{"c"}},
		}))

	_, err := state.ClaimPackage(context.Background(), "job-1", 1, now, now.Add(time.Minute))
	require.NoError(t, err)
	_, err = state.FinishPackage(context.Background(), "job-1", 1, store.Finish{
		State: store.PackageCompleted,
		Stats: store.PackageStats{Succeeded: 2, ArchiveKey: jobs.ArchiveKey("job-1", 1)},
		Items: 2,
	}, now)
	require.NoError(t, err)
	blobs.PutBytes("archives", jobs.ArchiveKey("job-1", 1), []byte("zip"))

	s := &server{
		status:       pipeline.NewStatusReader(state),
		state:        state,
		cleaner:      lifecycle.NewScheduler(state, blobs, nil, lifecycle.Targets{ArchiveBucket: "archives", PackageBucket: "packages", WorkDir: t.TempDir()}, time.Hour),
		issuer:       links.NewIssuer(blobs),
		archives:     "archives",
		linkTTLHours: 2,
		originSecret: "secret",
	}
	return s, state, blobs
}

func do(h http.Handler, method, path string, verified bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if verified {
		req.Header.Set("x-origin-verify", "secret")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestJobStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(s.routes(), http.MethodGet, "/api/jobs/job-1", true)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "processing", body["state"])
	assert.EqualValues(t, 1, body["packages_completed"])
	assert.EqualValues(t, 2, body["packages_total"])
	assert.EqualValues(t, 2, body["items_processed"])
}

func TestPackagesReport(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := do(s.routes(), http.MethodGet, "/api/jobs/job-1/packages", true)
	require.Equal(t, http.StatusOK, rr.Code)

	var c pipeline.Completeness
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &c))
	assert.Equal(t, 2, c.Expected)
	assert.Equal(t, 1, c.Completed)
	assert.Equal(t, 1, c.Pending)
	assert.InDelta(t, 50.0, c.PercentComplete, 0.001)
}

func TestRoutingErrors(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.routes()
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/jobs/missing", true).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/jobs/job-1/unknown", true).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/jobs/bad%20id", true).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodDelete, "/api/jobs/job-1", true).Code)
	assert.Equal(t, http.StatusForbidden, do(h, http.MethodGet, "/api/jobs/job-1", false).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", false).Code)
}

func TestReissueLink(t *testing.T) {
	s, _, blobs := newTestServer(t)
	h := s.routes()

	rr := do(h, http.MethodGet, "/api/jobs/job-1/link?package=1&ttl_hours=48", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var link links.SignedLink
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &link))
	assert.Equal(t, 24*time.Hour, link.ExpiresAt.Sub(link.IssuedAt))

	assert.Equal(t, http.StatusConflict, do(h, http.MethodGet, "/api/jobs/job-1/link?package=2", true).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/jobs/job-1/link?package=x", true).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/api/jobs/job-1/link?package=9", true).Code)

	require.NoError(t, blobs.Delete(context.Background(), "archives", jobs.ArchiveKey("job-1", 1)))
	assert.Equal(t, http.StatusGone, do(h, http.MethodGet, "/api/jobs/job-1/link?package=1", true).Code)
}

func TestCleanupEndpoint(t *testing.T) {
	s, _, blobs := newTestServer(t)
	h := s.routes()

	rr := do(h, http.MethodPost, "/api/cleanup/job-1", true)
	require.Equal(t, http.StatusOK, rr.Code)
	var res lifecycle.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 1, res.FilesDeleted)
	assert.Zero(t, blobs.Len())

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/api/cleanup/job-1", true).Code)
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "/api/jobs/*/packages", normalizeEndpoint("/api/jobs/abc/packages"))
	assert.Equal(t, "/api/cleanup/*", normalizeEndpoint("/api/cleanup/abc"))
	assert.Equal(t, "/api/health", normalizeEndpoint("/api/health"))
}
