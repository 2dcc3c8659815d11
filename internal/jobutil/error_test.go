package jobutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/fault"
)

func TestReportFailurePersistsAndPublishes(t *testing.T) {
	rec := &events.Recorder{}
	var gotJob, gotReason string
	write := func(_ context.Context, jobID, reason string) error {
		gotJob, gotReason = jobID, reason
		return nil
	}

	err := ReportFailure(context.Background(), rec, Failure{
		JobID:         "job-1",
		Origin:        events.OriginPackager,
		PackageNumber: 2,
		Err:           fault.Transient("download", errors.New("connection reset")),
	}, write)
	require.NoError(t, err)
	assert.Equal(t, "job-1", gotJob)
	assert.Contains(t, gotReason, "connection reset")

	errs := rec.OfType(events.DetailError)
	require.Len(t, errs, 1)
	msg := errs[0].Detail.(events.ErrorMessage)
	assert.Equal(t, "WARNING", msg.Severity)
	assert.Equal(t, events.OriginPackager, msg.ServiceOrigin)
	assert.Equal(t, 2, msg.PackageNumber)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestReportFailureReturnsPersistError(t *testing.T) {
	boom := errors.New("table gone")
	err := ReportFailure(context.Background(), &events.Recorder{}, Failure{JobID: "j", Err: errors.New("x")},
		func(context.Context, string, string) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestReportFailureIgnoresPublishError(t *testing.T) {
	rec := &events.Recorder{Err: errors.New("bus down")}
	err := ReportFailure(context.Background(), rec, Failure{JobID: "j", Err: fault.Structural("bad")}, nil)
	assert.NoError(t, err)
	assert.Empty(t, rec.Events())
}

func TestLevelMapping(t *testing.T) {
	assert.Equal(t, "info", level("INFO").String())
	assert.Equal(t, "warn", level("WARNING").String())
	assert.Equal(t, "error", level("ERROR").String())
}
