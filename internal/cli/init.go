package cli

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/config"
	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/lambdaboot"
	"github.com/fpang/shipment-bundler/internal/lifecycle"
	"github.com/fpang/shipment-bundler/internal/links"
	"github.com/fpang/shipment-bundler/internal/pipeline"
	"github.com/fpang/shipment-bundler/internal/store"
	"github.com/fpang/shipment-bundler/internal/workpool"
)

// Env is the wired set of components a shipctl command works against. It
// talks to the same buckets, table and bus as the deployed functions.
type Env struct {
	Config    config.Config
	AWS       lambdaboot.AWSClients
	State     store.Store
	Publisher events.Publisher
	Scheduler *lifecycle.Scheduler
	Status    *pipeline.StatusReader
	Issuer    *links.Issuer

	blobs *blob.S3Store
}

// InitEnv loads envFile (if present) and the environment, then wires the
// AWS-backed components. Exits fatally on failure.
func InitEnv(envFile string) *Env {
	cfg, err := config.Load(envFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", envFile).Msg("Failed to load configuration")
	}
	clients := lambdaboot.InitAWS()
	blobs := lambdaboot.InitBlob(clients.Config)
	state := lambdaboot.InitStore(clients.Config, cfg)

	log.Debug().Str("table", cfg.State.TableName).Str("bus", cfg.Dispatch.EventBusName).Msg("Environment ready")
	return &Env{
		Config:    cfg,
		AWS:       clients,
		State:     state,
		Publisher: lambdaboot.InitPublisher(clients.Config, cfg),
		Scheduler: lambdaboot.InitScheduler(clients.Config, cfg, state, blobs),
		Status:    pipeline.NewStatusReader(state),
		Issuer:    links.NewIssuer(blobs),
		blobs:     blobs,
	}
}

// Blobs returns the S3 store.
func (e *Env) Blobs() *blob.S3Store {
	return e.blobs
}

// Partitioner builds a partitioner with the configured lookup backend.
func (e *Env) Partitioner(ctx context.Context) *pipeline.Partitioner {
	resolver, err := lambdaboot.InitLookup(ctx, e.AWS, e.Config)
	if err != nil {
		log.Fatal().Err(err).Str("backend", e.Config.Lookup.Backend).Msg("Failed to initialise image lookup")
	}
	return pipeline.NewPartitioner(e.Config, e.blobs, e.State, resolver, e.Publisher)
}

// Runner builds a package runner that bundles locally.
func (e *Env) Runner() *pipeline.PackageRunner {
	return pipeline.NewPackageRunner(e.Config, e.blobs, e.State,
		workpool.New(e.Config.Download.Workers),
		&http.Client{Timeout: e.Config.Download.ItemTimeout},
		e.Publisher, e.Scheduler)
}
