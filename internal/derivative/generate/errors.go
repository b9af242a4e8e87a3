package generate

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation covers unknown or non-parametric styles, unknown schemes
	// and nonsensical dimensions.
	ErrValidation = errors.New("invalid derivative request")
	// ErrSourceMissing means neither the source nor its converted fallback exists.
	ErrSourceMissing = errors.New("error generating image, missing source file")
	// ErrLockBusy means another request is generating the same derivative.
	ErrLockBusy = errors.New("image generation in progress, try again shortly")
	// ErrGeneration means the resample or the publish failed.
	ErrGeneration = errors.New("error generating image")
	// ErrDenied means the access hooks refused a gated derivative.
	ErrDenied = errors.New("derivative delivery denied")
)

// BusyError carries the retry hint for ErrLockBusy.
type BusyError struct {
	RetryAfter time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrLockBusy, e.RetryAfter)
}

func (e *BusyError) Unwrap() error { return ErrLockBusy }

// RetryAfter extracts the retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var busy *BusyError
	if errors.As(err, &busy) {
		return busy.RetryAfter, true
	}
	return 0, false
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
