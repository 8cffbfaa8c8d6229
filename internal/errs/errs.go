// Package errs defines the error kinds surfaced by the delivery engine.
// Callers classify failures with errors.Is against the sentinel values.
package errs

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRemoteFailure     = errors.New("remote failure")
	ErrPersistence       = errors.New("store unavailable")
	ErrValidation        = errors.New("validation failed")
	ErrSyncInProgress    = fmt.Errorf("sync already in progress: %w", ErrInvalidState)
	ErrDuplicateActive   = fmt.Errorf("order already has an active shipment: %w", ErrInvalidState)
	ErrStaleStatus       = errors.New("shipment status changed concurrently")
	ErrAgencyUnavailable = fmt.Errorf("agency is disabled: %w", ErrInvalidState)
)

func NotFound(what, id string) error {
	return errors.Wrapf(ErrNotFound, "%s %q", what, id)
}

func InvalidState(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidState, format, args...)
}

func Validation(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return errors.Wrapf(ErrUnauthorized, format, args...)
}

// RemoteError is a failed or timed-out carrier call.
type RemoteError struct {
	AgencyID string
	Reason   string
	Err      error
}

func Remote(agencyID, reason string, err error) error {
	return &RemoteError{AgencyID: agencyID, Reason: reason, Err: err}
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("agency %s: %s", e.AgencyID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error { return e.Err }

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteFailure }

// AsRemote normalizes any adapter error into a RemoteError so timeouts and
// transport errors are reported like carrier rejections.
func AsRemote(agencyID string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		if re.AgencyID == "" {
			re.AgencyID = agencyID
		}
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RemoteError{AgencyID: agencyID, Reason: "carrier call timed out", Err: err}
	}
	return &RemoteError{AgencyID: agencyID, Reason: "carrier call failed", Err: err}
}

type PersistenceError struct {
	Op  string
	Err error
}

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Kind returns a stable name for the error's kind, "internal" when err does
// not belong to any.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRemoteFailure):
		return "remote_failure"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	}
	return "internal"
}
