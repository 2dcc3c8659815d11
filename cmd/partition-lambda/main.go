// Package main provides the Lambda entry point for batch partitioning.
//
// Triggered by S3 ObjectCreated notifications on the inbound bucket, by the
// EventBridge "Object Created" rule, or asynchronously by the webhook.
// Every payload shape events.NormalizeTriggers accepts is handled.
//
// Only transient failures are returned to the runtime so that the async
// invocation is retried; a malformed batch is reported once and dropped.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/lambdaboot"
	"github.com/fpang/shipment-bundler/internal/logging"
	"github.com/fpang/shipment-bundler/internal/pipeline"
)

var coldStart = true

var partitioner *pipeline.Partitioner

func init() {
	initStart := time.Now()
	logging.Init()

	cfg := lambdaboot.InitConfig()
	clients := lambdaboot.InitAWS()
	blobs := lambdaboot.InitBlob(clients.Config)
	state := lambdaboot.InitStore(clients.Config, cfg)
	resolver, err := lambdaboot.InitLookup(context.Background(), clients, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Lookup.Backend).Msg("Failed to initialise image lookup")
	}
	partitioner = pipeline.NewPartitioner(cfg, blobs, state, resolver, lambdaboot.InitPublisher(clients.Config, cfg))

	lambdaboot.StartupLog("partition-lambda", initStart, cfg).
		S3Bucket("inboundBucket", cfg.Buckets.Inbound).
		S3Bucket("packageBucket", cfg.Buckets.Package).
		EventBus("events", cfg.Dispatch.EventBusName).
		LambdaFunc("package", cfg.Dispatch.PackageFunctionARN).
		SSMParam("dbSecret", cfg.Lookup.SecretARNParam).
		Feature("lookupCache", cfg.Lookup.CacheAddr != "").
		Config("lookupBackend", cfg.Lookup.Backend).
		Config("dispatch", cfg.Dispatch.Mode).
		Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, payload json.RawMessage) ([]*pipeline.PartitionResult, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "partition-lambda").Msg("Cold start, first invocation")
	}

	triggers, err := events.NormalizeTriggers(payload)
	if err != nil {
		log.Error().Err(err).RawJSON("payload", payload).Msg("Unrecognized trigger payload, dropping")
		return nil, nil
	}

	var results []*pipeline.PartitionResult
	var retry error
	for _, t := range triggers {
		res, err := partitioner.HandleTrigger(ctx, t)
		if res != nil {
			results = append(results, res)
		}
		if err == nil {
			continue
		}
		if pipeline.Retryable(err) {
			log.Warn().Err(err).Str("bucket", t.Bucket).Str("object", t.Object).Msg("Partitioning failed, will retry")
			retry = errors.Join(retry, err)
			continue
		}
		log.Error().Err(err).Str("bucket", t.Bucket).Str("object", t.Object).Msg("Partitioning failed")
	}
	return results, retry
}
