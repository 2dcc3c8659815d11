package pipeline

import (
	"context"
	"errors"

	"github.com/fpang/shipment-bundler/internal/fault"
)

// Retryable reports whether a failed unit of work should be redelivered.
// Everything else has already been reported and would fail the same way.
func Retryable(err error) bool {
	return err != nil && (fault.IsTransient(err) ||
		errors.Is(err, fault.ErrPersistenceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded))
}
