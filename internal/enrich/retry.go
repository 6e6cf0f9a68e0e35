package enrich

import (
	"errors"
	"math/rand"
	"time"

	"github.com/deltastream/deltastream/internal/models"
)

const (
	retryBase   = 5 * time.Second
	maxAttempts = 3
	retryJitter = 0.2
)

// backoffDelay returns base·2^(attempt−1) with ±20% uniform jitter.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBase << (attempt - 1)
	jitter := 1 - retryJitter + 2*retryJitter*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// permanentError marks a failure that no retry can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent wraps err as non-retryable.
func permanent(err error) error {
	return &permanentError{err: err}
}

// isPermanent reports whether err should skip retries and go straight to
// the DLQ. Invalid data is permanent by definition; everything else is
// assumed transient (backend unavailability, timeouts).
func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) || errors.Is(err, models.ErrInvalid)
}
