// Package main provides the Lambda entry point for the job status API.
//
// Endpoints:
//
//	GET      /api/health                      health check
//	GET      /api/jobs/{id}                   job state and counters
//	GET      /api/jobs/{id}/packages          per-package completeness report
//	GET      /api/jobs/{id}/link?package={n}  fresh download link for a completed package
//	POST     /api/cleanup/{id}                execute a job's cleanup now
//	GET|POST /webhook                         signed upload notifications
//
// Requests must carry x-origin-verify when ORIGIN_VERIFY_SECRET is set.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/lambdaboot"
	"github.com/fpang/shipment-bundler/internal/links"
	"github.com/fpang/shipment-bundler/internal/logging"
	"github.com/fpang/shipment-bundler/internal/pipeline"
	"github.com/fpang/shipment-bundler/internal/webhook"
)

// bootstrap wires the server at cold start.
func bootstrap() *server {
	initStart := time.Now()
	logging.Init()

	cfg := lambdaboot.InitConfig()
	clients := lambdaboot.InitAWS()
	blobs := lambdaboot.InitBlob(clients.Config)
	state := lambdaboot.InitStore(clients.Config, cfg)

	originSecret, err := lambdaboot.ResolveParam(context.Background(), clients.SSM,
		os.Getenv("ORIGIN_VERIFY_SECRET"), os.Getenv("SSM_ORIGIN_VERIFY_PARAM"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load origin verify secret")
	}

	srv := &server{
		status:       pipeline.NewStatusReader(state),
		state:        state,
		cleaner:      lambdaboot.InitScheduler(clients.Config, cfg, state, blobs),
		issuer:       links.NewIssuer(blobs),
		archives:     cfg.Buckets.Archive,
		linkTTLHours: cfg.Links.TTLHours,
		originSecret: originSecret,
	}

	partitionFn := os.Getenv("PARTITION_FUNCTION_ARN")
	if partitionFn != "" {
		verifyToken, err := lambdaboot.ResolveParam(context.Background(), clients.SSM,
			os.Getenv("WEBHOOK_VERIFY_TOKEN"), os.Getenv("SSM_WEBHOOK_VERIFY_TOKEN_PARAM"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load webhook verify token")
		}
		secret, err := lambdaboot.ResolveParam(context.Background(), clients.SSM,
			os.Getenv("WEBHOOK_SECRET"), os.Getenv("SSM_WEBHOOK_SECRET_PARAM"))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load webhook secret")
		}
		srv.webhook = webhook.NewHandler(verifyToken, secret,
			webhook.NewLambdaForwarder(lambdasvc.NewFromConfig(clients.Config), partitionFn))
	}

	lambdaboot.StartupLog("status-lambda", initStart, cfg).
		S3Bucket("archiveBucket", cfg.Buckets.Archive).
		S3Bucket("packageBucket", cfg.Buckets.Package).
		LambdaFunc("partition", partitionFn).
		LambdaFunc("cleanup", cfg.Cleanup.FunctionARN).
		Feature("originVerify", originSecret != "").
		Feature("webhook", srv.webhook != nil).
		Log()
	return srv
}

func main() {
	adapter := httpadapter.NewV2(bootstrap().routes())
	lambda.Start(adapter.ProxyWithContext)
}

// routes builds the HTTP handler.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)
	mux.HandleFunc("/api/cleanup/", s.handleCleanup)
	if s.webhook != nil {
		mux.Handle("/webhook", s.webhook)
	}
	return withMetrics(s.withOriginVerify(mux))
}
