// Package main provides the Lambda entry point for artifact cleanup.
//
// Two invocation shapes:
//
//	{"jobId":"...","action":"execute"}  one-shot rule registered at schedule time
//	{} or any scheduled event            periodic sweep of every due record
//
// The sweep is the fallback when a one-shot rule was never registered or
// fired while the function was unavailable.
package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/jobutil"
	"github.com/fpang/shipment-bundler/internal/lambdaboot"
	"github.com/fpang/shipment-bundler/internal/lifecycle"
	"github.com/fpang/shipment-bundler/internal/logging"
	"github.com/fpang/shipment-bundler/internal/metrics"
	"github.com/fpang/shipment-bundler/internal/pipeline"
)

var coldStart = true

var (
	scheduler *lifecycle.Scheduler
	publisher events.Publisher
)

func init() {
	initStart := time.Now()
	logging.Init()

	cfg := lambdaboot.InitConfig()
	clients := lambdaboot.InitAWS()
	blobs := lambdaboot.InitBlob(clients.Config)
	state := lambdaboot.InitStore(clients.Config, cfg)
	scheduler = lambdaboot.InitScheduler(clients.Config, cfg, state, blobs)
	publisher = lambdaboot.InitPublisher(clients.Config, cfg)

	lambdaboot.StartupLog("cleanup-lambda", initStart, cfg).
		S3Bucket("archiveBucket", cfg.Buckets.Archive).
		S3Bucket("packageBucket", cfg.Buckets.Package).
		EventBus("events", cfg.Dispatch.EventBusName).
		Config("cleanupTtl", cfg.Cleanup.TTL().String()).
		Log()
}

func main() {
	lambda.Start(handler)
}

// handler returns the execution or sweep result so manual invocations can
// see what was freed.
func handler(ctx context.Context, payload json.RawMessage) (any, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "cleanup-lambda").Msg("Cold start, first invocation")
	}

	var req lifecycle.ExecuteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		// Scheduled events and empty payloads decode fine; anything else is
		// treated as a sweep trigger too.
		log.Debug().Err(err).Msg("Non-object payload, running sweep")
	}

	if req.JobID == "" {
		return sweep(ctx)
	}
	if req.Action != "" && req.Action != "execute" {
		log.Warn().Str("jobId", req.JobID).Str("action", req.Action).Msg("Unknown cleanup action, ignoring")
		return nil, nil
	}
	return execute(ctx, req.JobID)
}

func execute(ctx context.Context, jobID string) (*lifecycle.Result, error) {
	start := time.Now()
	res, err := scheduler.Execute(ctx, jobID)
	if err != nil {
		_ = jobutil.ReportFailure(ctx, publisher, jobutil.Failure{
			JobID:  jobID,
			Origin: events.OriginCleanup,
			Err:    err,
		}, nil)
		if pipeline.Retryable(err) {
			return nil, err
		}
		return nil, nil
	}

	metrics.New("Cleanup").
		Dimension("Mode", "execute").
		Count("FilesDeleted", res.FilesDeleted).
		Bytes("FreedBytes", res.FreedBytes).
		Since("CleanupLatencyMs", start).
		Property("jobId", jobID).
		Property("alreadyExecuted", res.AlreadyExecuted).
		Flush()

	log.Info().
		Str("jobId", jobID).
		Int("filesDeleted", res.FilesDeleted).
		Int64("freedBytes", res.FreedBytes).
		Bool("alreadyExecuted", res.AlreadyExecuted).
		Dur("duration", time.Since(start)).
		Msg("Cleanup executed")
	return &res, nil
}

func sweep(ctx context.Context) (*lifecycle.SweepResult, error) {
	start := time.Now()
	res, err := scheduler.SweepDue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Cleanup sweep failed")
		return nil, err
	}

	metrics.New("Cleanup").
		Dimension("Mode", "sweep").
		Count("CleanupsDue", res.Due).
		Count("CleanupsExecuted", res.Executed).
		Count("CleanupsFailed", len(res.Failed)).
		Bytes("FreedBytes", res.FreedBytes).
		Since("CleanupLatencyMs", start).
		Flush()

	log.Info().
		Int("due", res.Due).
		Int("executed", res.Executed).
		Strs("failed", res.Failed).
		Int64("freedBytes", res.FreedBytes).
		Msg("Cleanup sweep complete")
	return &res, nil
}
