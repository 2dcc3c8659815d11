package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, s Store, jobID string, packages int) {
	t.Helper()
	pkgs := make([]*Package, packages)
	for i := range pkgs {
		pkgs[i] = &Package{
			Number:  i + 1,
			Count:   packages,
			ID:      fmt.Sprintf("pkg-%d", i+1),
			ItemIDs: []string{fmt.Sprintf("s%d", i+1)},
		}
	}
	require.NoError(t, s.CreateJob(context.Background(), &Job{
		ID:            jobID,
		TotalItems:    packages,
		TotalPackages: packages,
		StartedAt:     t0,
	}, pkgs))
}

func TestCreateJobStartsPending(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job-1", 3)
	ctx := context.Background()

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobProcessing, job.State)

	pkgs, err := s.ListPackages(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, pkgs, 3)
	for i, p := range pkgs {
		assert.Equal(t, i+1, p.Number)
		assert.Equal(t, PackagePending, p.State)
	}

	err = s.CreateJob(ctx, &Job{ID: "job-1"}, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPackageTransitionsAreMonotonic(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job-1", 2)
	ctx := context.Background()

	p, err := s.ClaimPackage(ctx, "job-1", 1, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, PackageRunning, p.State)
	assert.Equal(t, 1, p.Attempts)

	// Lease still held: the caller must retry later, not drop the message.
	_, err = s.ClaimPackage(ctx, "job-1", 1, t0.Add(30*time.Second), t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrLeased)
	assert.NotErrorIs(t, err, ErrInvalidTransition)

	job, err := s.FinishPackage(ctx, "job-1", 1, Finish{State: PackageCompleted, Items: 1}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, JobProcessing, job.State)
	assert.Equal(t, 1, job.PackagesCompleted)

	// Redelivery of the same package.
	_, err = s.ClaimPackage(ctx, "job-1", 1, t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.FinishPackage(ctx, "job-1", 1, Finish{State: PackageFailed}, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Finishing without a claim is rejected.
	_, err = s.FinishPackage(ctx, "job-1", 2, Finish{State: PackageCompleted}, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Non-terminal finish is rejected.
	_, err = s.FinishPackage(ctx, "job-1", 2, Finish{State: PackageRunning}, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExpiredLeaseCanBeReclaimed(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job-1", 1)
	ctx := context.Background()

	_, err := s.ClaimPackage(ctx, "job-1", 1, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	p, err := s.ClaimPackage(ctx, "job-1", 1, t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Attempts)
}

func TestJobCompletesWithPartialFailure(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job-1", 3)
	ctx := context.Background()

	finish := func(n int, state PackageState) *Job {
		_, err := s.ClaimPackage(ctx, "job-1", n, t0, t0.Add(time.Minute))
		require.NoError(t, err)
		job, err := s.FinishPackage(ctx, "job-1", n, Finish{State: state, Items: 1}, t0.Add(time.Duration(n)*time.Second))
		require.NoError(t, err)
		return job
	}

	assert.Equal(t, JobProcessing, finish(1, PackageCompleted).State)
	assert.Equal(t, JobProcessing, finish(2, PackageFailed).State)
	job := finish(3, PackageCompleted)

	assert.Equal(t, JobCompleted, job.State)
	require.NotNil(t, job.Summary)
	assert.True(t, job.Summary.PartialFailure)
	assert.Equal(t, 2, job.Summary.PackagesCompleted)
	assert.Equal(t, 1, job.Summary.PackagesFailed)
	assert.Equal(t, 2, job.ItemsProcessed)
	require.NotNil(t, job.FinishedAt)
}

func TestConcurrentFinishCountsEveryPackageOnce(t *testing.T) {
	const n = 20
	s := NewMemoryStore()
	seed(t, s, "job-1", n)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(num int) {
			defer wg.Done()
			if _, err := s.ClaimPackage(ctx, "job-1", num, t0, t0.Add(time.Minute)); err != nil {
				return
			}
			_, _ = s.FinishPackage(ctx, "job-1", num, Finish{State: PackageCompleted, Items: 1}, t0)
			// Duplicate delivery.
			_, _ = s.FinishPackage(ctx, "job-1", num, Finish{State: PackageCompleted, Items: 1}, t0)
		}(i)
	}
	wg.Wait()

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.State)
	assert.Equal(t, n, job.PackagesCompleted)
	assert.Equal(t, n, job.ItemsProcessed)
}

func TestFailJob(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job-1", 1)
	ctx := context.Background()

	require.NoError(t, s.FailJob(ctx, "job-1", "lookup unavailable", t0))
	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.State)
	assert.Equal(t, "lookup unavailable", job.Error)

	assert.ErrorIs(t, s.FailJob(ctx, "job-1", "again", t0), ErrInvalidTransition)
}

func TestCleanupExecutesOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec, err := s.PutCleanup(ctx, &CleanupRecord{JobID: "job-1", ScheduledFor: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), rec.ScheduledFor)

	// A second schedule keeps the first record.
	rec, err = s.PutCleanup(ctx, &CleanupRecord{JobID: "job-1", ScheduledFor: t0.Add(5 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), rec.ScheduledFor)

	due, err := s.DueCleanups(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = s.DueCleanups(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := s.MarkCleanupExecuted(ctx, "job-1", 3, 300, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkCleanupExecuted(ctx, "job-1", 0, 0, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err = s.GetCleanup(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, rec.Executed)
	assert.EqualValues(t, 300, rec.FreedBytes)

	due, err = s.DueCleanups(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = s.MarkCleanupExecuted(ctx, "missing", 0, 0, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimRejectedOnceJobClosed(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, "job-1", 2)
	ctx := context.Background()

	require.NoError(t, s.FailJob(ctx, "job-1", "publish failed", t0))
	_, err := s.ClaimPackage(ctx, "job-1", 1, t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	p, err := s.GetPackage(ctx, "job-1", 1)
	require.NoError(t, err)
	assert.Equal(t, PackagePending, p.State)

	_, err = s.ClaimPackage(ctx, "missing", 1, t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}
