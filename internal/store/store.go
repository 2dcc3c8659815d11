// Package store persists processing state for shipment jobs: the job
// record, one record per package and the job's cleanup record.
//
// The DynamoDB implementation uses a single-table design where every record
// of a job shares the partition key JOB#{jobId}. Sort keys distinguish record
// types: META for the job, PKG#{nnnnn} for packages and CLEANUP for the
// cleanup record. Pending cleanup records are also projected into a sparse
// index keyed by due time so that a sweep never scans the table.
//
// State only moves forward. Package records go pending → running →
// completed | failed and a job goes processing → completed | failed. Every
// transition is a conditional write, so a redelivered message that tries to
// repeat one gets ErrInvalidTransition instead of corrupting counters.
package store

import (
	"context"
	"time"

	"github.com/fpang/shipment-bundler/internal/batch"
	"github.com/fpang/shipment-bundler/internal/fault"
)

// RecordTTL is how long records live before the table's TTL removes them.
const RecordTTL = 7 * 24 * time.Hour

// Sentinels re-exported for callers that only import store.
var (
	ErrNotFound               = fault.ErrNotFound
	ErrInvalidTransition      = fault.ErrInvalidTransition
	ErrPersistenceUnavailable = fault.ErrPersistenceUnavailable
	ErrLeased                 = fault.ErrLeased
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// PackageState is the lifecycle state of a package.
type PackageState string

const (
	PackagePending   PackageState = "pending"
	PackageRunning   PackageState = "running"
	PackageCompleted PackageState = "completed"
	PackageFailed    PackageState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PackageState) Terminal() bool {
	return s == PackageCompleted || s == PackageFailed
}

// Job is the job record (SK = META).
type Job struct {
	ID                string         `json:"job_id" dynamodbav:"-"`
	SourceObject      string         `json:"source_object" dynamodbav:"sourceObject"`
	TotalItems        int            `json:"total_items" dynamodbav:"totalItems"`
	TotalPackages     int            `json:"total_packages" dynamodbav:"totalPackages"`
	State             JobState       `json:"state" dynamodbav:"state"`
	StartedAt         time.Time      `json:"started_at" dynamodbav:"startedAt"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty" dynamodbav:"finishedAt,omitempty"`
	PackagesCompleted int            `json:"packages_completed" dynamodbav:"packagesCompleted"`
	PackagesFailed    int            `json:"packages_failed" dynamodbav:"packagesFailed"`
	ItemsProcessed    int            `json:"items_processed" dynamodbav:"itemsProcessed"`
	Coverage          batch.Coverage `json:"coverage" dynamodbav:"coverage"`
	Summary           *Summary       `json:"result_summary,omitempty" dynamodbav:"summary,omitempty"`
	Error             string         `json:"error,omitempty" dynamodbav:"error,omitempty"`
}

// Terminated returns the number of packages in a terminal state.
func (j *Job) Terminated() int {
	return j.PackagesCompleted + j.PackagesFailed
}

// Summary is written once when a job finishes.
type Summary struct {
	PackagesCompleted int            `json:"packages_completed" dynamodbav:"packagesCompleted"`
	PackagesFailed    int            `json:"packages_failed" dynamodbav:"packagesFailed"`
	ItemsProcessed    int            `json:"items_processed" dynamodbav:"itemsProcessed"`
	PartialFailure    bool           `json:"partial_failure" dynamodbav:"partialFailure"`
	Coverage          batch.Coverage `json:"coverage" dynamodbav:"coverage"`
}

// PackageStats is written by the run that finishes a package.
type PackageStats struct {
	Attempted        int     `json:"attempted" dynamodbav:"attempted"`
	Succeeded        int     `json:"succeeded" dynamodbav:"succeeded"`
	Failed           int     `json:"failed" dynamodbav:"failed"`
	TotalBytes       int64   `json:"total_bytes" dynamodbav:"totalBytes"`
	ArchiveKey       string  `json:"archive_key,omitempty" dynamodbav:"archiveKey,omitempty"`
	ArchiveBytes     int64   `json:"archive_bytes,omitempty" dynamodbav:"archiveBytes,omitempty"`
	ContentHash      string  `json:"content_hash,omitempty" dynamodbav:"contentHash,omitempty"`
	CompressionRatio float64 `json:"compression_ratio,omitempty" dynamodbav:"compressionRatio,omitempty"`
	DurationMs       int64   `json:"duration_ms" dynamodbav:"durationMs"`
}

// Package is a package record (SK = PKG#{nnnnn}).
type Package struct {
	JobID     string              `json:"job_id" dynamodbav:"-"`
	Number    int                 `json:"package_number" dynamodbav:"-"`
	Count     int                 `json:"package_count" dynamodbav:"packageCount"`
	ID        string              `json:"package_id" dynamodbav:"packageId"`
	ObjectKey string              `json:"object_key" dynamodbav:"objectKey"`
	ItemIDs   []string            `json:"item_ids" dynamodbav:"itemIds"`
	AssetRefs map[string][]string `json:"asset_refs,omitempty" dynamodbav:"assetRefs,omitempty"`
	State     PackageState        `json:"state" dynamodbav:"state"`
	Stats     *PackageStats       `json:"stats,omitempty" dynamodbav:"stats,omitempty"`
	Attempts  int                 `json:"attempts" dynamodbav:"attempts"`
	LeaseExp  *time.Time          `json:"lease_expires_at,omitempty" dynamodbav:"leaseExpiresAt,omitempty,unixtime"`
	UpdatedAt time.Time           `json:"updated_at" dynamodbav:"updatedAt"`
	Error     string              `json:"error,omitempty" dynamodbav:"error,omitempty"`
}

// CleanupRecord tracks deletion of a job's artifacts (SK = CLEANUP).
type CleanupRecord struct {
	JobID        string     `json:"job_id" dynamodbav:"-"`
	ScheduledFor time.Time  `json:"scheduled_for" dynamodbav:"scheduledFor"`
	Executed     bool       `json:"executed" dynamodbav:"executed"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty" dynamodbav:"executedAt,omitempty"`
	FreedBytes   int64      `json:"freed_bytes" dynamodbav:"freedBytes"`
	FilesDeleted int        `json:"files_deleted" dynamodbav:"filesDeleted"`
}

// Finish is the outcome written when a package reaches a terminal state.
type Finish struct {
	State PackageState
	Stats PackageStats
	// Items is how many shipment items the package covered.
	Items int
	Error string
}

// Store is the persistence interface for job state. Every method is safe
// for concurrent use.
type Store interface {
	// CreateJob writes the job in processing state and every package in
	// pending state. The job record is written first.
	CreateJob(ctx context.Context, job *Job, pkgs []*Package) error

	// GetJob returns the job or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// FailJob moves a processing job to failed.
	FailJob(ctx context.Context, jobID, reason string, at time.Time) error

	// GetPackage returns one package or ErrNotFound.
	GetPackage(ctx context.Context, jobID string, number int) (*Package, error)

	// ListPackages returns every package of a job ordered by number.
	ListPackages(ctx context.Context, jobID string) ([]*Package, error)

	// ClaimPackage moves a package to running. A running package whose lease
	// has expired at now may be claimed again; one whose lease is still live
	// returns ErrLeased. Terminal packages, and packages of a job that is no
	// longer processing, return ErrInvalidTransition.
	ClaimPackage(ctx context.Context, jobID string, number int, now, leaseUntil time.Time) (*Package, error)

	// FinishPackage moves a running package to a terminal state, updates the
	// job counters and finishes the job once every package is terminal. It
	// returns the job as it stands after the update.
	FinishPackage(ctx context.Context, jobID string, number int, f Finish, at time.Time) (*Job, error)

	// PutCleanup stores a cleanup record. An existing record is kept and
	// returned unchanged.
	PutCleanup(ctx context.Context, rec *CleanupRecord) (*CleanupRecord, error)

	// GetCleanup returns the job's cleanup record or ErrNotFound.
	GetCleanup(ctx context.Context, jobID string) (*CleanupRecord, error)

	// MarkCleanupExecuted records execution. It returns false without error
	// when the record had already been executed.
	MarkCleanupExecuted(ctx context.Context, jobID string, files int, freed int64, at time.Time) (bool, error)

	// DueCleanups returns unexecuted records scheduled at or before now.
	DueCleanups(ctx context.Context, now time.Time) ([]*CleanupRecord, error)
}

// summarize builds the final summary for a job whose packages are all terminal.
func summarize(j *Job) *Summary {
	return &Summary{
		PackagesCompleted: j.PackagesCompleted,
		PackagesFailed:    j.PackagesFailed,
		ItemsProcessed:    j.ItemsProcessed,
		PartialFailure:    j.PackagesFailed > 0,
		Coverage:          j.Coverage,
	}
}
