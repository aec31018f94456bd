package resilience

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/metrics"
)

// Retrier runs call record writes with a bounded number of attempts and a
// linear backoff between them.
type Retrier struct {
	attempts int
	backoff  time.Duration
	clock    clockwork.Clock
	metrics  *metrics.Metrics
}

// NewRetrier creates a retrier. attempts counts the first try.
func NewRetrier(attempts int, backoff time.Duration, clock clockwork.Clock, m *metrics.Metrics) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retrier{
		attempts: attempts,
		backoff:  backoff,
		clock:    clock,
		metrics:  m,
	}
}

// Execute runs fn until it succeeds, fails permanently, or attempts run out.
func (r *Retrier) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			r.metrics.RecordWriteRetry(operation)
			logger.Warn("Call record write retry",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.String("error_type", classifyError(lastErr)),
				zap.Error(lastErr),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s cancelled before retry: %w", operation, lastErr)
			case <-r.clock.After(time.Duration(attempt-1) * r.backoff):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, r.attempts, lastErr)
}

// Retryable reports whether err is worth another attempt. Domain outcomes
// (illegal transitions, missing rows, validation) are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if !apperrors.IsAppError(err) {
		return true
	}
	switch apperrors.GetAppError(err).Code {
	case apperrors.ErrCodeDatabase, apperrors.ErrCodeServiceUnavail, apperrors.ErrCodeRoomUnavailable,
		apperrors.ErrCodeInternal:
		return true
	default:
		return false
	}
}

// classifyError classifies errors for log fields
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "room"):
		return "room"
	default:
		return "unknown"
	}
}
