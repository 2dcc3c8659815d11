// Package jobutil provides shared helpers for reporting stage failures.
//
// ReportFailure unifies the pattern every handler follows when a job or
// package fails: log at the error's severity, persist the failure and
// publish an error message.
package jobutil

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/fault"
)

// FailureWriter persists a failure to the backing store. It may be nil.
type FailureWriter func(ctx context.Context, jobID, reason string) error

// Failure identifies what failed.
type Failure struct {
	JobID         string
	Origin        string
	PackageNumber int
	Err           error
}

func level(severity string) zerolog.Level {
	switch severity {
	case "INFO":
		return zerolog.InfoLevel
	case "WARNING":
		return zerolog.WarnLevel
	}
	return zerolog.ErrorLevel
}

// ReportFailure logs f, persists it through write and publishes an error
// message. Publishing failures are logged and never returned; the returned
// error is the persistence error, if any.
func ReportFailure(ctx context.Context, pub events.Publisher, f Failure, write FailureWriter) error {
	severity := fault.Severity(f.Err)
	msg := "unknown error"
	if f.Err != nil {
		msg = f.Err.Error()
	}

	evt := log.WithLevel(level(severity)).
		Str("jobId", f.JobID).
		Str("origin", f.Origin).
		Str("severity", severity).
		Err(f.Err)
	if f.PackageNumber > 0 {
		evt = evt.Int("packageNumber", f.PackageNumber)
	}
	evt.Msg("Job failed")

	var persistErr error
	if write != nil {
		persistErr = write(ctx, f.JobID, msg)
		if persistErr != nil {
			log.Error().Err(persistErr).Str("jobId", f.JobID).Msg("Failed to persist job error")
		}
	}

	if pub != nil {
		err := pub.Publish(ctx, events.NewErrorEvent(events.ErrorMessage{
			JobID:         f.JobID,
			ServiceOrigin: f.Origin,
			ErrorMessage:  msg,
			Severity:      severity,
			Timestamp:     time.Now().UTC(),
			PackageNumber: f.PackageNumber,
		}))
		if err != nil {
			log.Warn().Err(err).Str("jobId", f.JobID).Msg("Failed to publish error message")
		}
	}
	return persistErr
}
