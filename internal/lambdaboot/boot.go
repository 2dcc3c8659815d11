// Package lambdaboot provides the cold-start bootstrap shared by every
// Lambda in the project.
//
// Each Lambda needs some subset of: configuration, AWS config, blob storage,
// the state table, the image lookup backend, an event publisher, SSM
// parameter fetch and startup logging. The helpers here keep each init()
// a short composition.
package lambdaboot

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/config"
	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/lifecycle"
	"github.com/fpang/shipment-bundler/internal/logging"
	"github.com/fpang/shipment-bundler/internal/lookup"
	"github.com/fpang/shipment-bundler/internal/store"
)

// AWSClients holds the AWS config and the SSM client every Lambda uses.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitConfig parses the environment. Fatals on error.
func InitConfig() config.Config {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse configuration")
	}
	return cfg
}

// InitAWS loads the default AWS config.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitBlob returns an S3-backed blob store that can presign downloads.
func InitBlob(cfg aws.Config) *blob.S3Store {
	client := s3.NewFromConfig(cfg)
	return blob.NewS3Store(client, s3.NewPresignClient(client))
}

// InitStore returns the DynamoDB state store. Fatals if no table is set.
func InitStore(cfg aws.Config, c config.Config) *store.DynamoStore {
	if c.State.TableName == "" {
		log.Fatal().Msg("STATE_TABLE_NAME environment variable is required")
	}
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), c.State.TableName)
}

// InitScheduler returns a cleanup scheduler. The EventBridge hint is wired
// only when a cleanup function is configured; the sweep covers the rest.
func InitScheduler(cfg aws.Config, c config.Config, state store.Store, blobs blob.Store) *lifecycle.Scheduler {
	var hint lifecycle.ScheduleHint
	if c.Cleanup.FunctionARN != "" {
		hint = lifecycle.NewEventBridgeHint(eventbridge.NewFromConfig(cfg), c.Cleanup.FunctionARN, c.Cleanup.RuleRoleARN)
	} else {
		log.Warn().Msg("CLEANUP_FUNCTION_ARN not set, cleanup relies on the periodic sweep")
	}
	return lifecycle.NewScheduler(state, blobs, hint, lifecycle.Targets{
		ArchiveBucket: c.Buckets.Archive,
		PackageBucket: c.Buckets.Package,
		WorkDir:       c.WorkDir,
	}, c.Cleanup.TTL())
}

// InitPublisher returns the event publisher. In lambda dispatch mode
// package messages invoke the package function directly and everything
// else still goes to the bus.
func InitPublisher(cfg aws.Config, c config.Config) events.Publisher {
	bus := events.NewEventBridgePublisher(eventbridge.NewFromConfig(cfg), c.Dispatch.EventBusName)
	if c.Dispatch.Mode != "lambda" {
		return bus
	}
	if c.Dispatch.PackageFunctionARN == "" {
		log.Fatal().Msg("PACKAGE_FUNCTION_ARN is required when PACKAGE_DISPATCH=lambda")
	}
	return &events.Router{
		Packages: events.NewLambdaDispatcher(lambda.NewFromConfig(cfg), c.Dispatch.PackageFunctionARN),
		Default:  bus,
	}
}

// InitLookup builds the configured image lookup backend, wrapped in the
// Redis cache when an address is set.
func InitLookup(ctx context.Context, clients AWSClients, c config.Config) (lookup.Resolver, error) {
	lc := c.Lookup
	var resolver lookup.Resolver

	switch lc.Backend {
	case "dataapi", "":
		secretARN, err := ResolveParam(ctx, clients.SSM, lc.SecretARN, lc.SecretARNParam)
		if err != nil {
			return nil, err
		}
		if lc.ClusterARN == "" || secretARN == "" {
			return nil, fmt.Errorf("dataapi lookup needs DB_CLUSTER_ARN and DB_SECRET_ARN")
		}
		resolver = lookup.NewDataAPIStore(rdsdata.NewFromConfig(clients.Config), lc.ClusterARN, secretARN, lc.Database)
		cluster := lc.ClusterID
		if cluster == "" {
			cluster = lc.ClusterARN
		}
		resolver = lookup.WarmResolver{
			Warmer: lookup.NewClusterWarmer(rds.NewFromConfig(clients.Config), cluster),
			Next:   resolver,
		}

	case "postgres":
		dsn, err := ResolveParam(ctx, clients.SSM, lc.PostgresDSN, lc.PostgresDSNParam)
		if err != nil {
			return nil, err
		}
		if dsn == "" {
			return nil, fmt.Errorf("postgres lookup needs POSTGRES_DSN or POSTGRES_DSN_PARAM")
		}
		pool, err := lookup.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		resolver = lookup.NewPostgresStore(pool)

	case "static":
		s, err := lookup.LoadStaticFile(lc.StaticFile)
		if err != nil {
			return nil, err
		}
		resolver = s

	default:
		return nil, fmt.Errorf("unknown lookup backend %q", lc.Backend)
	}

	if lc.CacheAddr != "" {
		resolver = lookup.NewCachedStore(resolver, lookup.NewRedisClient(lc.CacheAddr), lc.CacheTTL)
	}
	return resolver, nil
}

// ResolveParam returns value when set, otherwise reads param from SSM with
// decryption. Both empty yields "".
func ResolveParam(ctx context.Context, client *ssm.Client, value, param string) (string, error) {
	if value != "" || param == "" {
		return value, nil
	}
	start := time.Now()
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", param, err)
	}
	log.Debug().Str("param", param).Dur("elapsed", time.Since(start)).Msg("Parameter loaded from SSM")
	return aws.ToString(out.Parameter.Value), nil
}

// StartupLog is a convenience wrapper for the startup logger, pre-filled
// with the resources every Lambda shares.
func StartupLog(name string, initStart time.Time, c config.Config) *logging.StartupLogger {
	return logging.NewStartupLogger(name).
		InitDuration(time.Since(initStart)).
		DynamoTable("state", c.State.TableName).
		Config("logLevel", logging.EnvOrDefault("LOG_LEVEL", "info"))
}
