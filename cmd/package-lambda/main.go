// Package main provides the Lambda entry point for package runs.
//
// Package messages arrive three ways: as SQS batches fed by the EventBridge
// rule on ShipmentPackageCreated, as the EventBridge event itself, or as a
// bare message when the partitioner invokes this function directly
// (PACKAGE_DISPATCH=lambda).
//
// For SQS batches only records that failed with a retryable error are
// reported back in BatchItemFailures. A package that ran and failed is
// terminal and is never redelivered.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/lambdaboot"
	"github.com/fpang/shipment-bundler/internal/logging"
	"github.com/fpang/shipment-bundler/internal/pipeline"
	"github.com/fpang/shipment-bundler/internal/workpool"
)

var coldStart = true

var runner *pipeline.PackageRunner

func init() {
	initStart := time.Now()
	logging.Init()

	cfg := lambdaboot.InitConfig()
	clients := lambdaboot.InitAWS()
	blobs := lambdaboot.InitBlob(clients.Config)
	state := lambdaboot.InitStore(clients.Config, cfg)
	scheduler := lambdaboot.InitScheduler(clients.Config, cfg, state, blobs)

	// One pool per process, shared by every package in a batch.
	pool := workpool.New(cfg.Download.Workers)
	httpClient := &http.Client{Timeout: cfg.Download.ItemTimeout}
	runner = pipeline.NewPackageRunner(cfg, blobs, state, pool, httpClient, lambdaboot.InitPublisher(clients.Config, cfg), scheduler)

	lambdaboot.StartupLog("package-lambda", initStart, cfg).
		S3Bucket("packageBucket", cfg.Buckets.Package).
		S3Bucket("archiveBucket", cfg.Buckets.Archive).
		S3Bucket("imageBucket", cfg.Buckets.Image).
		EventBus("events", cfg.Dispatch.EventBusName).
		LambdaFunc("cleanup", cfg.Cleanup.FunctionARN).
		Config("archiveMethod", cfg.Archive.Method).
		Config("downloadWorkers", strconv.Itoa(cfg.Download.Workers)).
		Log()
}

func main() {
	lambda.Start(handler)
}

// sqsProbe detects an SQS batch without decoding bodies.
type sqsProbe struct {
	Records []struct {
		EventSource string `json:"eventSource"`
	} `json:"Records"`
}

func handler(ctx context.Context, payload json.RawMessage) (*lambdaevents.SQSEventResponse, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "package-lambda").Msg("Cold start, first invocation")
	}

	var probe sqsProbe
	if err := json.Unmarshal(payload, &probe); err == nil && len(probe.Records) > 0 && probe.Records[0].EventSource == "aws:sqs" {
		var batch lambdaevents.SQSEvent
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, err
		}
		return handleSQS(ctx, batch), nil
	}

	msg, err := events.DecodePackageMessage(payload)
	if err != nil {
		log.Error().Err(err).RawJSON("payload", payload).Msg("Invalid package message, dropping")
		return nil, nil
	}
	if _, err := runner.Run(ctx, msg); err != nil {
		log.Error().Err(err).Str("jobId", msg.JobID).Int("packageNumber", msg.PackageNumber).Msg("Package run failed")
		if pipeline.Retryable(err) {
			return nil, err
		}
	}
	return nil, nil
}

func handleSQS(ctx context.Context, batch lambdaevents.SQSEvent) *lambdaevents.SQSEventResponse {
	resp := &lambdaevents.SQSEventResponse{}
	for _, record := range batch.Records {
		msg, err := events.DecodePackageMessage([]byte(record.Body))
		if err != nil {
			log.Error().Err(err).Str("messageId", record.MessageId).Msg("Invalid package message, dropping")
			continue
		}
		out, err := runner.Run(ctx, msg)
		if err != nil {
			log.Error().Err(err).
				Str("messageId", record.MessageId).
				Str("jobId", msg.JobID).
				Int("packageNumber", msg.PackageNumber).
				Msg("Package run failed")
			if pipeline.Retryable(err) {
				resp.BatchItemFailures = append(resp.BatchItemFailures, lambdaevents.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			}
			continue
		}
		log.Info().
			Str("messageId", record.MessageId).
			Str("jobId", out.JobID).
			Int("packageNumber", out.PackageNumber).
			Bool("skipped", out.Skipped).
			Str("state", string(out.State)).
			Msg("Processed SQS record")
	}
	return resp
}
