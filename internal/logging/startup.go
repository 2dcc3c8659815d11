package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects the Lambda identity and the resources it was wired
// to, then emits one structured event describing the cold-start state.
type StartupLogger struct {
	name         string
	initDuration time.Duration

	buckets    map[string]string
	tables     map[string]string
	ssmParams  map[string]string
	eventBuses map[string]string
	functions  map[string]string
	features   map[string]bool
	config     map[string]string
}

// NewStartupLogger creates a StartupLogger for the named Lambda
// (e.g. "partition-lambda").
func NewStartupLogger(name string) *StartupLogger {
	return &StartupLogger{
		name:       name,
		buckets:    make(map[string]string),
		tables:     make(map[string]string),
		ssmParams:  make(map[string]string),
		eventBuses: make(map[string]string),
		functions:  make(map[string]string),
		features:   make(map[string]bool),
		config:     make(map[string]string),
	}
}

// S3Bucket registers a bucket. Empty names are skipped.
func (s *StartupLogger) S3Bucket(label, name string) *StartupLogger {
	if name != "" {
		s.buckets[label] = name
	}
	return s
}

// DynamoTable registers a DynamoDB table.
func (s *StartupLogger) DynamoTable(label, name string) *StartupLogger {
	if name != "" {
		s.tables[label] = name
	}
	return s
}

// SSMParam registers an SSM parameter path. Only the path is logged.
func (s *StartupLogger) SSMParam(label, path string) *StartupLogger {
	if path != "" {
		s.ssmParams[label] = path
	}
	return s
}

// EventBus registers an EventBridge bus.
func (s *StartupLogger) EventBus(label, name string) *StartupLogger {
	if name != "" {
		s.eventBuses[label] = name
	}
	return s
}

// LambdaFunc registers another Lambda function this one invokes or targets.
func (s *StartupLogger) LambdaFunc(label, arn string) *StartupLogger {
	if arn != "" {
		s.functions[label] = arn
	}
	return s
}

// Feature registers a boolean feature flag (e.g. "lookupCache").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// InitDuration records how long init took.
func (s *StartupLogger) InitDuration(d time.Duration) *StartupLogger {
	s.initDuration = d
	return s
}

// Log emits a single INFO event with everything collected.
func (s *StartupLogger) Log() {
	s.emit(log.Info())
}

func (s *StartupLogger) emit(evt *zerolog.Event) {
	lambdaDict := zerolog.Dict().
		Str("name", s.name).
		Str("functionName", os.Getenv("AWS_LAMBDA_FUNCTION_NAME")).
		Str("version", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
		Str("region", os.Getenv("AWS_REGION")).
		Str("memoryMB", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE")).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH).
		Str("logLevel", zerolog.GlobalLevel().String())
	evt = evt.Dict("lambda", lambdaDict)

	resources := zerolog.Dict()
	hasResources := false
	for label, m := range map[string]map[string]string{
		"s3Buckets":       s.buckets,
		"dynamoTables":    s.tables,
		"ssmParams":       s.ssmParams,
		"eventBuses":      s.eventBuses,
		"lambdaFunctions": s.functions,
	} {
		if len(m) > 0 {
			resources = resources.Dict(label, dictFromMap(m))
			hasResources = true
		}
	}
	if hasResources {
		evt = evt.Dict("resources", resources)
	}

	if len(s.features) > 0 {
		d := zerolog.Dict()
		for k, v := range s.features {
			d = d.Bool(k, v)
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}
	if s.initDuration > 0 {
		evt = evt.Dur("initDuration", s.initDuration)
	}

	evt.Msg("Lambda cold start complete")
}

func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range m {
		d = d.Str(k, v)
	}
	return d
}
