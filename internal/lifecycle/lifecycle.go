// Package lifecycle schedules and executes deletion of a job's temporary
// artifacts: archives, package documents and the local working directory.
//
// The persisted cleanup record is the source of truth. Registration with an
// external scheduler is only a hint that makes execution prompt; SweepDue
// catches every record whose hint was lost.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/fault"
	"github.com/fpang/shipment-bundler/internal/jobs"
	"github.com/fpang/shipment-bundler/internal/store"
)

// ScheduleHint registers a one-shot trigger for a job's cleanup.
type ScheduleHint interface {
	Register(ctx context.Context, jobID string, at time.Time) error
	Unregister(ctx context.Context, jobID string) error
}

// RecordStore is the slice of state storage the scheduler needs.
type RecordStore interface {
	PutCleanup(ctx context.Context, rec *store.CleanupRecord) (*store.CleanupRecord, error)
	GetCleanup(ctx context.Context, jobID string) (*store.CleanupRecord, error)
	MarkCleanupExecuted(ctx context.Context, jobID string, files int, freed int64, at time.Time) (bool, error)
	DueCleanups(ctx context.Context, now time.Time) ([]*store.CleanupRecord, error)
}

// Targets names where a job's artifacts live.
type Targets struct {
	ArchiveBucket string
	PackageBucket string
	WorkDir       string
}

// Result reports one execution.
type Result struct {
	JobID           string `json:"job_id"`
	FilesDeleted    int    `json:"files_deleted"`
	FreedBytes      int64  `json:"freed_bytes"`
	AlreadyExecuted bool   `json:"already_executed"`
}

// SweepResult reports one sweep.
type SweepResult struct {
	Due        int      `json:"due"`
	Executed   int      `json:"executed"`
	FreedBytes int64    `json:"freed_bytes"`
	Failed     []string `json:"failed,omitempty"`
}

// Scheduler schedules and executes cleanups.
type Scheduler struct {
	records RecordStore
	blobs   blob.Store
	hint    ScheduleHint
	targets Targets
	ttl     time.Duration
	now     func() time.Time
}

// NewScheduler returns a Scheduler. hint may be nil.
func NewScheduler(records RecordStore, blobs blob.Store, hint ScheduleHint, targets Targets, ttl time.Duration) *Scheduler {
	return &Scheduler{
		records: records,
		blobs:   blobs,
		hint:    hint,
		targets: targets,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Schedule persists a cleanup record due now + TTL and registers the hint.
// Scheduling a job twice keeps the first record. Hint failures are logged
// and never returned.
func (s *Scheduler) Schedule(ctx context.Context, jobID string) (*store.CleanupRecord, error) {
	rec, err := s.records.PutCleanup(ctx, &store.CleanupRecord{
		JobID:        jobID,
		ScheduledFor: s.now().UTC().Add(s.ttl).Truncate(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("persist cleanup record: %w", err)
	}
	if rec.Executed || s.hint == nil {
		return rec, nil
	}
	if err := s.hint.Register(ctx, jobID, rec.ScheduledFor); err != nil {
		log.Warn().Err(err).Str("jobId", jobID).Msg("Cleanup schedule registration failed, sweep will pick it up")
	}
	return rec, nil
}

// Execute deletes everything under the job's namespaces. A job with no
// record or no artifacts succeeds with zero deletions, and an executed record
// is never executed again.
func (s *Scheduler) Execute(ctx context.Context, jobID string) (Result, error) {
	res := Result{JobID: jobID}
	rec, err := s.records.GetCleanup(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = nil
	case err != nil:
		return res, fmt.Errorf("load cleanup record: %w", err)
	case rec.Executed:
		res.AlreadyExecuted = true
		log.Info().Str("jobId", jobID).Msg("Cleanup already executed")
		return res, nil
	}

	if err := s.deletePrefix(ctx, s.targets.ArchiveBucket, jobs.ArchivePrefix(jobID), &res); err != nil {
		return res, err
	}
	if err := s.deletePrefix(ctx, s.targets.PackageBucket, jobs.PackagePrefix(jobID), &res); err != nil {
		return res, err
	}
	if err := s.deleteLocal(filepath.Join(s.targets.WorkDir, jobID), &res); err != nil {
		return res, err
	}

	if rec != nil {
		marked, err := s.records.MarkCleanupExecuted(ctx, jobID, res.FilesDeleted, res.FreedBytes, s.now().UTC())
		if err != nil {
			return res, fmt.Errorf("mark cleanup executed: %w", err)
		}
		if !marked {
			// Another execution finished first and owns the accounting.
			return Result{JobID: jobID, AlreadyExecuted: true}, nil
		}
	}
	if s.hint != nil {
		if err := s.hint.Unregister(ctx, jobID); err != nil {
			log.Warn().Err(err).Str("jobId", jobID).Msg("Cleanup schedule removal failed")
		}
	}

	log.Info().
		Str("jobId", jobID).
		Int("filesDeleted", res.FilesDeleted).
		Int64("freedBytes", res.FreedBytes).
		Msg("Cleanup executed")
	return res, nil
}

func (s *Scheduler) deletePrefix(ctx context.Context, bucket, prefix string, res *Result) error {
	if bucket == "" {
		return nil
	}
	objects, err := s.blobs.List(ctx, bucket, prefix)
	if err != nil {
		return fault.Transient("list "+blob.URI(bucket, prefix), err)
	}
	if len(objects) == 0 {
		log.Debug().Err(&fault.LifecycleError{Target: blob.URI(bucket, prefix)}).Msg("Nothing to delete")
		return nil
	}
	keys := make([]string, len(objects))
	sizes := make(map[string]int64, len(objects))
	for i, o := range objects {
		keys[i] = o.Key
		sizes[o.Key] = o.Size
	}
	n, err := s.blobs.DeleteObjects(ctx, bucket, keys)
	if err != nil {
		return fault.Transient("delete "+blob.URI(bucket, prefix), err)
	}
	res.FilesDeleted += n
	if n == len(keys) {
		for _, size := range sizes {
			res.FreedBytes += size
		}
		return nil
	}

	// Partial delete: count only what is gone and leave the record unmarked
	// so the next run retries the survivors.
	left, err := s.blobs.List(ctx, bucket, prefix)
	if err != nil {
		return fault.Transient("list "+blob.URI(bucket, prefix), err)
	}
	for _, o := range left {
		delete(sizes, o.Key)
	}
	for _, size := range sizes {
		res.FreedBytes += size
	}
	return fault.Transient("delete "+blob.URI(bucket, prefix),
		fmt.Errorf("%d of %d objects not deleted", len(keys)-n, len(keys)))
}

func (s *Scheduler) deleteLocal(dir string, res *Result) error {
	if s.targets.WorkDir == "" {
		return nil
	}
	var files int
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			files++
			size += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	res.FilesDeleted += files
	res.FreedBytes += size
	return nil
}

// SweepDue executes every record that is due. One failing job does not
// stop the others.
func (s *Scheduler) SweepDue(ctx context.Context) (SweepResult, error) {
	due, err := s.records.DueCleanups(ctx, s.now().UTC())
	if err != nil {
		return SweepResult{}, fmt.Errorf("list due cleanups: %w", err)
	}
	out := SweepResult{Due: len(due)}
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.Execute(ctx, rec.JobID)
		if err != nil {
			log.Error().Err(err).Str("jobId", rec.JobID).Msg("Cleanup failed during sweep")
			out.Failed = append(out.Failed, rec.JobID)
			continue
		}
		if !res.AlreadyExecuted {
			out.Executed++
			out.FreedBytes += res.FreedBytes
		}
	}
	return out, nil
}
