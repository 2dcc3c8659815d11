package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/archive"
	"github.com/fpang/shipment-bundler/internal/batch"
	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/config"
	"github.com/fpang/shipment-bundler/internal/download"
	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/fault"
	"github.com/fpang/shipment-bundler/internal/jobs"
	"github.com/fpang/shipment-bundler/internal/jobutil"
	"github.com/fpang/shipment-bundler/internal/links"
	"github.com/fpang/shipment-bundler/internal/metrics"
	"github.com/fpang/shipment-bundler/internal/store"
	"github.com/fpang/shipment-bundler/internal/workpool"
)

// ArchiveStore is blob storage that can also sign URLs.
type ArchiveStore interface {
	blob.Store
	blob.Presigner
}

// CleanupScheduler schedules deletion of a job's artifacts.
type CleanupScheduler interface {
	Schedule(ctx context.Context, jobID string) (*store.CleanupRecord, error)
}

// PackageOutcome describes one package run.
type PackageOutcome struct {
	JobID         string             `json:"job_id"`
	PackageNumber int                `json:"package_number"`
	PackageCount  int                `json:"package_count"`
	Skipped       bool               `json:"skipped,omitempty"`
	State         store.PackageState `json:"state,omitempty"`
	Stats         store.PackageStats `json:"stats"`
	Link          *links.SignedLink  `json:"link,omitempty"`
	JobState      store.JobState     `json:"job_state,omitempty"`
}

// PackageRunner turns one package message into a verified archive and a
// signed download link.
type PackageRunner struct {
	cfg       config.Config
	blobs     ArchiveStore
	state     store.Store
	pub       events.Publisher
	scheduler CleanupScheduler

	downloader *download.Downloader
	builder    *archive.Builder
	issuer     *links.Issuer

	now        func() time.Time
	metricsOut io.Writer
}

// NewPackageRunner wires a runner. scheduler may be nil, in which case no
// cleanup is scheduled.
func NewPackageRunner(cfg config.Config, blobs ArchiveStore, state store.Store, pool *workpool.Pool, httpClient *http.Client, pub events.Publisher, scheduler CleanupScheduler) *PackageRunner {
	return &PackageRunner{
		cfg:       cfg,
		blobs:     blobs,
		state:     state,
		pub:       pub,
		scheduler: scheduler,
		downloader: download.New(blobs, httpClient, pool, download.Options{
			ImageBucket: cfg.Buckets.Image,
			MaxBytes:    cfg.Download.MaxImageBytes,
			ItemTimeout: cfg.Download.ItemTimeout,
		}),
		builder:    archive.NewBuilder(cfg.Archive.Method),
		issuer:     links.NewIssuer(blobs),
		now:        time.Now,
		metricsOut: os.Stdout,
	}
}

// Run processes msg. A message for a package that is already finished, or
// whose job is closed, is skipped with a nil error. A package held by another
// live run returns a transient error so the message comes back once the
// lease has expired. Otherwise the returned error is non-nil only when the
// package could not be brought to a terminal state; callers should redeliver
// only when Retryable reports true.
func (r *PackageRunner) Run(ctx context.Context, msg events.PackageMessage) (*PackageOutcome, error) {
	start := time.Now()
	out := &PackageOutcome{JobID: msg.JobID, PackageNumber: msg.PackageNumber, PackageCount: msg.PackageCount}
	logger := log.With().Str("jobId", msg.JobID).Int("packageNumber", msg.PackageNumber).Logger()

	now := r.now().UTC()
	pkg, err := r.state.ClaimPackage(ctx, msg.JobID, msg.PackageNumber, now, now.Add(r.cfg.State.LeaseTimeout))
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		logger.Info().Msg("Package already finished, skipping duplicate delivery")
		out.Skipped = true
		return out, nil
	case errors.Is(err, store.ErrLeased):
		logger.Info().Msg("Package leased by another run, deferring")
		return out, fault.Transient("package leased", err)
	case err != nil:
		return out, fmt.Errorf("claim package: %w", err)
	}
	logger.Info().Int("attempt", pkg.Attempts).Int("items", len(pkg.ItemIDs)).Msg("Package claimed")

	runCtx := ctx
	if r.cfg.Download.PackageTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Download.PackageTimeout)
		defer cancel()
	}

	dir := filepath.Join(r.cfg.WorkDir, msg.JobID, fmt.Sprintf("package_%d", msg.PackageNumber))
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove package work dir")
		}
	}()

	res, runErr := r.bundle(runCtx, msg, pkg, dir)
	out.Stats = res.stats
	out.Stats.DurationMs = time.Since(start).Milliseconds()

	finish := store.Finish{State: store.PackageCompleted, Stats: out.Stats, Items: len(pkg.ItemIDs)}
	if runErr != nil {
		finish.State = store.PackageFailed
		finish.Error = runErr.Error()
	}
	// The package must reach a terminal state even when the run timed out.
	job, err := r.state.FinishPackage(context.WithoutCancel(ctx), msg.JobID, msg.PackageNumber, finish, r.now().UTC())
	if err != nil {
		return out, fmt.Errorf("finish package: %w", err)
	}
	out.State = finish.State
	out.JobState = job.State

	rec := metrics.NewWithWriter(r.metricsOut, "Package")
	rec.Count("ImagesAttempted", out.Stats.Attempted).
		Count("ImagesDownloaded", out.Stats.Succeeded).
		Count("ImagesFailed", out.Stats.Failed).
		Bytes("DownloadedBytes", out.Stats.TotalBytes).
		Since("PackageLatencyMs", start).
		Property("jobId", msg.JobID).
		Property("packageNumber", msg.PackageNumber)

	if runErr != nil {
		rec.Count("PackagesFailed", 1).Flush()
		_ = jobutil.ReportFailure(context.WithoutCancel(ctx), r.pub, jobutil.Failure{
			JobID:         msg.JobID,
			Origin:        events.OriginPackager,
			PackageNumber: msg.PackageNumber,
			Err:           runErr,
		}, nil)
		return out, nil
	}
	rec.Count("PackagesCompleted", 1).
		Bytes("ArchiveBytes", out.Stats.ArchiveBytes).
		Metric("CompressionRatio", out.Stats.CompressionRatio, metrics.UnitPercent).
		Flush()

	out.Link = res.link
	err = r.pub.Publish(context.WithoutCancel(ctx), events.NewDownloadReadyEvent(events.DownloadReadyNotification{
		JobID:         msg.JobID,
		PackageNumber: msg.PackageNumber,
		PackageCount:  msg.PackageCount,
		SignedURL:     res.link.URL,
		ExpiresAt:     res.link.ExpiresAt,
		ItemCount:     len(pkg.ItemIDs),
	}))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to publish download-ready notification")
	}

	if job.State != store.JobProcessing {
		logger.Info().
			Str("jobState", string(job.State)).
			Int("packagesCompleted", job.PackagesCompleted).
			Int("packagesFailed", job.PackagesFailed).
			Msg("Job finished")
	}
	logger.Info().
		Int("succeeded", out.Stats.Succeeded).
		Int("failed", out.Stats.Failed).
		Int64("archiveBytes", out.Stats.ArchiveBytes).
		Dur("duration", time.Since(start)).
		Msg("Package completed")
	return out, nil
}

type bundleResult struct {
	stats store.PackageStats
	link  *links.SignedLink
}

// bundle does the work between claim and finish. Any error it returns marks
// the package failed.
func (r *PackageRunner) bundle(ctx context.Context, msg events.PackageMessage, pkg *store.Package, dir string) (bundleResult, error) {
	var res bundleResult

	refs := pkg.AssetRefs
	if len(refs) == 0 && msg.PackageURI != "" {
		doc, err := r.readDocument(ctx, msg.PackageURI)
		if err != nil {
			return res, err
		}
		refs = doc.AssetRefs()
	}

	results, stats, err := r.downloader.Download(ctx, download.CollectRefs(pkg.ItemIDs, refs), dir)
	res.stats = store.PackageStats{
		Attempted:  stats.Attempted,
		Succeeded:  stats.Succeeded,
		Failed:     stats.Failed,
		TotalBytes: stats.TotalBytes,
	}
	if err != nil {
		return res, fmt.Errorf("download images: %w", err)
	}
	if stats.Succeeded == 0 {
		return res, fmt.Errorf("no images downloaded for package %d (%d attempted): %w",
			msg.PackageNumber, stats.Attempted, archive.ErrNoItems)
	}

	key := jobs.ArchiveKey(msg.JobID, msg.PackageNumber)
	arc, err := r.builder.Build(ctx, archive.Input{
		JobID:         msg.JobID,
		PackageID:     pkg.ID,
		PackageNumber: msg.PackageNumber,
		PackageCount:  msg.PackageCount,
		ObjectPath:    key,
		Results:       results,
	}, filepath.Join(dir, "archive.zip"))
	if err != nil {
		return res, fmt.Errorf("build archive: %w", err)
	}
	if _, err := archive.Verify(arc.LocalPath, arc.ContentHash); err != nil {
		return res, fmt.Errorf("verify archive: %w", err)
	}

	f, err := os.Open(arc.LocalPath)
	if err != nil {
		return res, fmt.Errorf("open archive: %w", err)
	}
	err = r.blobs.Put(ctx, r.cfg.Buckets.Archive, key, f, blob.PutOptions{
		ContentType:        "application/zip",
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", jobs.ArchiveFilename(msg.JobID, msg.PackageNumber)),
		Metadata:           arc.Metadata(),
	})
	f.Close()
	if err != nil {
		return res, fmt.Errorf("upload archive: %w", err)
	}
	res.stats.ArchiveKey = key
	res.stats.ArchiveBytes = arc.ByteSize
	res.stats.ContentHash = arc.ContentHash
	res.stats.CompressionRatio = arc.CompressionRatio

	link, err := r.issuer.Issue(ctx, r.cfg.Buckets.Archive, key, r.cfg.Links.TTLHours, jobs.ArchiveFilename(msg.JobID, msg.PackageNumber))
	if err != nil {
		// A failed package must not leave a downloadable archive behind.
		if derr := r.blobs.Delete(context.WithoutCancel(ctx), r.cfg.Buckets.Archive, key); derr != nil {
			log.Warn().Err(derr).Str("jobId", msg.JobID).Str("key", key).Msg("Failed to remove orphaned archive")
		}
		res.stats.ArchiveKey = ""
		return res, fmt.Errorf("issue download link: %w", err)
	}
	res.link = &link

	if r.scheduler != nil {
		if _, err := r.scheduler.Schedule(ctx, msg.JobID); err != nil {
			log.Warn().Err(err).Str("jobId", msg.JobID).Msg("Failed to schedule cleanup")
		}
	}
	return res, nil
}

func (r *PackageRunner) readDocument(ctx context.Context, uri string) (*batch.Document, error) {
	bucket, key, ok := blob.ParseURI(uri)
	if !ok {
		bucket, key = r.cfg.Buckets.Package, uri
	}
	data, err := blob.ReadAll(ctx, r.blobs, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("read package document: %w", err)
	}
	return batch.Decode(data)
}
