// Package pipeline wires the stages into the two units of work the system
// runs: partitioning an uploaded batch, and bundling one package.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/batch"
	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/completeness"
	"github.com/fpang/shipment-bundler/internal/config"
	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/jobs"
	"github.com/fpang/shipment-bundler/internal/jobutil"
	"github.com/fpang/shipment-bundler/internal/lookup"
	"github.com/fpang/shipment-bundler/internal/metrics"
	"github.com/fpang/shipment-bundler/internal/store"
)

// Skip reasons reported for filtered triggers.
const (
	SkipWrongBucket = "wrong_bucket"
	SkipNotJSON     = "not_json"
	SkipHidden      = "hidden"
	SkipTemporary   = "temporary"
	SkipNotReady    = "not_ready"
)

// PartitionResult describes one partitioning attempt.
type PartitionResult struct {
	JobID        string         `json:"job_id,omitempty"`
	Source       string         `json:"source"`
	Skipped      bool           `json:"skipped,omitempty"`
	SkipReason   string         `json:"skip_reason,omitempty"`
	TotalItems   int            `json:"total_items"`
	PackageCount int            `json:"package_count"`
	PackageURIs  []string       `json:"package_uris,omitempty"`
	Coverage     batch.Coverage `json:"coverage"`
}

// Partitioner validates batches, splits them into packages, persists state
// and fans out one message per package.
type Partitioner struct {
	cfg      config.Config
	blobs    blob.Store
	state    store.Store
	resolver lookup.Resolver
	pub      events.Publisher
	detector *completeness.Detector

	now        func() time.Time
	newJobID   func() string
	metricsOut io.Writer
}

// NewPartitioner builds a Partitioner from its ports.
func NewPartitioner(cfg config.Config, blobs blob.Store, state store.Store, resolver lookup.Resolver, pub events.Publisher) *Partitioner {
	return &Partitioner{
		cfg:        cfg,
		blobs:      blobs,
		state:      state,
		resolver:   resolver,
		pub:        pub,
		detector:   completeness.NewDetector(blobs, cfg.Stability.PollInterval, cfg.Stability.Threshold, cfg.Stability.Timeout),
		now:        time.Now,
		newJobID:   jobs.NewJobID,
		metricsOut: os.Stdout,
	}
}

// Accept reports whether a trigger should be partitioned and, if not, why.
func (p *Partitioner) Accept(t events.Trigger) (bool, string) {
	if p.cfg.Buckets.Inbound != "" && t.Bucket != p.cfg.Buckets.Inbound {
		return false, SkipWrongBucket
	}
	if !strings.HasSuffix(strings.ToLower(t.Object), ".json") {
		return false, SkipNotJSON
	}
	if strings.HasPrefix(path.Base(t.Object), ".") {
		return false, SkipHidden
	}
	if strings.HasPrefix(t.Object, "tmp/") || strings.Contains(t.Object, "/tmp/") {
		return false, SkipTemporary
	}
	return true, ""
}

// HandleTrigger filters the trigger, waits for the object to stop growing
// and partitions it. Filtered and not-ready objects are skipped without
// error.
func (p *Partitioner) HandleTrigger(ctx context.Context, t events.Trigger) (*PartitionResult, error) {
	source := blob.URI(t.Bucket, t.Object)
	if ok, reason := p.Accept(t); !ok {
		log.Info().Str("object", source).Str("reason", reason).Msg("Trigger skipped")
		return &PartitionResult{Source: source, Skipped: true, SkipReason: reason}, nil
	}

	wait, err := p.detector.Wait(ctx, t.Bucket, t.Object)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", source, err)
	}
	if !wait.Ready {
		log.Warn().Str("object", source).Int("polls", wait.Polls).Msg("Batch object not stable before timeout")
		return &PartitionResult{Source: source, Skipped: true, SkipReason: SkipNotReady}, nil
	}

	data, err := blob.ReadAll(ctx, p.blobs, t.Bucket, t.Object)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	res, err := p.Partition(ctx, source, data)
	if err != nil {
		return res, err
	}

	if err := p.blobs.Delete(ctx, t.Bucket, t.Object); err != nil {
		log.Warn().Err(err).Str("object", source).Msg("Failed to delete partitioned source object")
	}
	return res, nil
}

// Partition runs the core partitioning of data read from source. The job
// and every package are durable before any message is published; an
// invalid batch produces no job, no package and only an error message.
func (p *Partitioner) Partition(ctx context.Context, source string, data []byte) (*PartitionResult, error) {
	start := time.Now()
	rec := metrics.NewWithWriter(p.metricsOut, "Partition")
	defer rec.Flush()

	jobID := p.newJobID()
	res := &PartitionResult{JobID: jobID, Source: source}
	logger := log.With().Str("jobId", jobID).Str("source", source).Logger()

	b, err := batch.Parse(data, p.cfg.Partition.MaxBatchItems())
	if err != nil {
		p.report(ctx, jobID, err, nil)
		rec.Count("BatchRejected", 1)
		return res, err
	}
	res.TotalItems = len(b.Items)

	refs, err := p.resolver.Resolve(ctx, b.IDs())
	if err != nil {
		err = fmt.Errorf("resolve image references: %w", err)
		p.report(ctx, jobID, err, nil)
		return res, err
	}

	now := p.now().UTC()
	plan := batch.NewPlan(jobID, source, b, refs, p.cfg.Partition.MaxItemsPerPackage, now)
	res.PackageCount = len(plan.Packages)
	res.Coverage = plan.Coverage

	docs := make([][]byte, len(plan.Packages))
	records := make([]*store.Package, len(plan.Packages))
	for i, pp := range plan.Packages {
		doc, err := batch.Encode(b, pp)
		if err != nil {
			return res, fmt.Errorf("encode package %d: %w", pp.Number, err)
		}
		docs[i] = doc
		records[i] = &store.Package{
			JobID:     jobID,
			Number:    pp.Number,
			Count:     pp.Count,
			ID:        pp.ID,
			ObjectKey: jobs.PackageObjectName(jobID, pp.Number, pp.Count),
			ItemIDs:   pp.ItemIDs(),
			AssetRefs: pp.AssetRefs,
			UpdatedAt: now,
		}
	}

	job := &store.Job{
		ID:            jobID,
		SourceObject:  source,
		TotalItems:    plan.TotalItems,
		TotalPackages: len(plan.Packages),
		StartedAt:     now,
		Coverage:      plan.Coverage,
	}
	if err := p.state.CreateJob(ctx, job, records); err != nil {
		// The write may have landed before the error surfaced. A duplicate
		// id belongs to someone else and is left alone.
		var write jobutil.FailureWriter
		if !errors.Is(err, store.ErrInvalidTransition) {
			write = p.failJob
		}
		err = fmt.Errorf("persist job: %w", err)
		p.report(ctx, jobID, err, write)
		return res, err
	}

	msgs := make([]events.Event, 0, len(plan.Packages)+1)
	for i, pp := range plan.Packages {
		key := records[i].ObjectKey
		err := p.blobs.Put(ctx, p.cfg.Buckets.Package, key, bytes.NewReader(docs[i]), blob.PutOptions{
			ContentType: "application/json",
			Metadata: map[string]string{
				"job-id":         jobID,
				"package-number": fmt.Sprint(pp.Number),
				"package-count":  fmt.Sprint(pp.Count),
			},
		})
		if err != nil {
			err = fmt.Errorf("write package %d: %w", pp.Number, err)
			p.report(ctx, jobID, err, p.failJob)
			return res, err
		}
		uri := blob.URI(p.cfg.Buckets.Package, key)
		res.PackageURIs = append(res.PackageURIs, uri)
		msgs = append(msgs, events.NewPackageEvent(events.PackageMessage{
			JobID:         jobID,
			OriginalFile:  source,
			PackageURI:    uri,
			PackageNumber: pp.Number,
			PackageCount:  pp.Count,
		}))
	}
	msgs = append(msgs, events.NewJobReadyEvent(events.JobReadyMessage{
		JobID:        jobID,
		OriginalFile: source,
		Packages:     res.PackageURIs,
		TotalItems:   plan.TotalItems,
	}))

	if err := p.pub.Publish(ctx, msgs...); err != nil {
		err = fmt.Errorf("publish package messages: %w", err)
		p.report(ctx, jobID, err, p.failJob)
		return res, err
	}

	rec.Count("ItemsPartitioned", plan.TotalItems).
		Count("PackagesCreated", len(plan.Packages)).
		Metric("ImageCoverage", plan.Coverage.CoveragePercent, metrics.UnitPercent).
		Since("PartitionLatencyMs", start).
		Property("jobId", jobID)

	logger.Info().
		Int("items", plan.TotalItems).
		Int("packages", len(plan.Packages)).
		Float64("coverage", plan.Coverage.CoveragePercent).
		Dur("duration", time.Since(start)).
		Msg("Batch partitioned")
	return res, nil
}

func (p *Partitioner) failJob(ctx context.Context, jobID, reason string) error {
	err := p.state.FailJob(context.WithoutCancel(ctx), jobID, reason, p.now().UTC())
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (p *Partitioner) report(ctx context.Context, jobID string, err error, write jobutil.FailureWriter) {
	_ = jobutil.ReportFailure(context.WithoutCancel(ctx), p.pub, jobutil.Failure{
		JobID:  jobID,
		Origin: events.OriginPartitioner,
		Err:    err,
	}, write)
}
