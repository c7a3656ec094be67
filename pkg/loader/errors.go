package loader

import (
	"context"
	"errors"
)

var (
	// ErrModelNotFound is returned for ids missing from the catalog.
	ErrModelNotFound = errors.New("model not found")
	// ErrTransientFetch wraps a fetch failure that was retried and still failed.
	ErrTransientFetch = errors.New("model fetch failed")
	// ErrBackgroundSuspended means loading stopped because the application
	// left the foreground. A new attempt must be started by the user.
	ErrBackgroundSuspended = errors.New("model load suspended while in background")
	// ErrInitializationTimeout means the runtime did not initialize the
	// fetched model in time.
	ErrInitializationTimeout = errors.New("model initialization timed out")
	// ErrSuperseded is returned to callers of a load that a model switch
	// replaced while it was in flight.
	ErrSuperseded = errors.New("model load superseded")
	// ErrNothingToResume is returned by Resume when no record was saved.
	ErrNothingToResume = errors.New("no interrupted load to resume")
)

// Retryable reports whether a failed fetch may be attempted again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrBackgroundSuspended),
		errors.Is(err, ErrModelNotFound),
		errors.Is(err, ErrSuperseded),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return errors.Is(err, ErrTransientFetch)
}
