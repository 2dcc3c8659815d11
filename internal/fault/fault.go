// Package fault defines the error taxonomy shared by every pipeline stage.
//
// Stage boundaries translate low-level failures into one of four kinds so
// that callers can decide how to react without inspecting SDK errors:
//
//   - StructuralError: the batch itself is malformed; reject it whole.
//   - ResourceError:   one item or one object is missing, too big or of the
//     wrong type; isolate it.
//   - TransientError:  timeouts and connectivity; let redelivery retry.
//   - LifecycleError:  a cleanup target is already gone; treat as success.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrPersistenceUnavailable is returned when a state write cannot be
	// applied because the backing table does not exist or is unreachable.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrNotFound is returned when a record or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a state transition is rejected
	// because the record is not in the expected source state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLeased is returned when a record is held by another worker whose
	// lease has not expired yet.
	ErrLeased = errors.New("lease held by another worker")
)

// StructuralError reports an invalid batch shape. Problems lists every
// violation found, capped by the validator.
type StructuralError struct {
	Problems []string
}

func (e *StructuralError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid batch structure"
	}
	return "invalid batch structure: " + strings.Join(e.Problems, "; ")
}

// Structural builds a StructuralError from one or more problems.
func Structural(problems ...string) error {
	return &StructuralError{Problems: problems}
}

// ResourceError reports a failure scoped to one item or one object.
type ResourceError struct {
	Ref    string
	Reason string
	Err    error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Ref, e.Reason)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Resource builds a ResourceError.
func Resource(ref, reason string, err error) error {
	return &ResourceError{Ref: ref, Reason: reason, Err: err}
}

// TransientError wraps a failure expected to succeed on redelivery.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient builds a TransientError.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// LifecycleError reports a cleanup target that no longer exists.
type LifecycleError struct {
	Target string
}

func (e *LifecycleError) Error() string {
	return "cleanup target missing: " + e.Target
}

// IsStructural reports whether err is (or wraps) a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// IsResource reports whether err is (or wraps) a ResourceError.
func IsResource(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsLifecycle reports whether err is (or wraps) a LifecycleError.
func IsLifecycle(err error) bool {
	var le *LifecycleError
	return errors.As(err, &le)
}

// Severity maps an error to the severity carried on error messages.
func Severity(err error) string {
	switch {
	case err == nil:
		return "INFO"
	case IsLifecycle(err):
		return "INFO"
	case IsResource(err), IsTransient(err):
		return "WARNING"
	default:
		return "ERROR"
	}
}
