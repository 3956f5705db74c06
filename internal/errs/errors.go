// Package errs provides the coordinator's error taxonomy (§7), plus retry
// and circuit-breaker helpers, modeled on the teacher's
// internal/security/errors.go trimmed of its Gin/HTTP-specific pieces.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Kind is the stable error-kind label from §7.
type Kind string

const (
	KindStoreUnavailable    Kind = "store.unavailable"
	KindStoreSchema         Kind = "store.schema"
	KindStoreOp             Kind = "store.op"
	KindTaskTimeout         Kind = "task.timeout"
	KindTaskTransient       Kind = "task.transient"
	KindTaskFatal           Kind = "task.fatal"
	KindConsensusTimeout    Kind = "consensus.timeout"
	KindConsensusQuorum     Kind = "consensus.quorum_failed"
	KindMessageUndeliverable Kind = "message.undeliverable"
	KindMemoryExpired       Kind = "memory.expired"
	KindSessionNotFound     Kind = "session.not_found"
)

// Severity mirrors the teacher's ErrorSeverity ladder.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CoordinatorError is the typed error every component returns for
// visible-state-changing failures (§7 propagation policy).
type CoordinatorError struct {
	Kind        Kind
	Message     string
	Severity    Severity
	Recoverable bool
	Cause       error
	Timestamp   time.Time
}

func (e *CoordinatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *CoordinatorError) Unwrap() error { return e.Cause }

// New constructs a CoordinatorError.
func New(kind Kind, message string, recoverable bool, cause error) *CoordinatorError {
	sev := SeverityMedium
	switch kind {
	case KindStoreSchema, KindTaskFatal:
		sev = SeverityCritical
	case KindStoreUnavailable, KindConsensusQuorum:
		sev = SeverityHigh
	case KindMemoryExpired, KindMessageUndeliverable:
		sev = SeverityLow
	}
	return &CoordinatorError{
		Kind:        kind,
		Message:     message,
		Severity:    sev,
		Recoverable: recoverable,
		Cause:       cause,
		Timestamp:   time.Now(),
	}
}

// IsKind reports whether err (or anything it wraps) is a CoordinatorError
// of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CoordinatorError
	return errors.As(err, &ce) && ce.Kind == kind
}

// RetryConfig controls RetryWithBackoff.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig is "retried bounded three times with exponential
// backoff" per §7.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      2 * time.Second,
	BackoffFactor: 2.0,
}

// Handler owns circuit breakers per named collaborator (store, a
// WorkerRunner, ...), following the teacher's ErrorHandler.
type Handler struct {
	logger          *logrus.Logger
	retryConfig     RetryConfig
	circuitBreakers map[string]*gobreaker.CircuitBreaker
}

// NewHandler constructs an error handler bound to a logger.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{
		logger:          logger,
		retryConfig:     DefaultRetryConfig,
		circuitBreakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// RetryWithBackoff retries fn up to MaxAttempts times with exponential
// backoff, stopping early if ctx is cancelled. Mirrors the teacher's
// ErrorHandler.RetryWithBackoff.
func (h *Handler) RetryWithBackoff(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := h.retryConfig.InitialDelay

	for attempt := 0; attempt < h.retryConfig.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err != nil {
			lastErr = err
			if ce, ok := err.(*CoordinatorError); ok && !ce.Recoverable {
				return err
			}
			if attempt < h.retryConfig.MaxAttempts-1 {
				time.Sleep(delay)
				delay = time.Duration(float64(delay) * h.retryConfig.BackoffFactor)
				if delay > h.retryConfig.MaxDelay {
					delay = h.retryConfig.MaxDelay
				}
			}
			continue
		}
		return nil
	}

	return lastErr
}

// GetCircuitBreaker returns or lazily creates a circuit breaker for a
// named collaborator (e.g. "store", "worker-runner"), matching the
// teacher's GetCircuitBreaker.
func (h *Handler) GetCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	if cb, ok := h.circuitBreakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.WithFields(logrus.Fields{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	h.circuitBreakers[name] = cb
	return cb
}

// ExecuteWithCircuitBreaker runs fn behind the named circuit breaker.
func (h *Handler) ExecuteWithCircuitBreaker(name string, fn func() (interface{}, error)) (interface{}, error) {
	cb := h.GetCircuitBreaker(name)
	result, err := cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, New(KindStoreUnavailable, fmt.Sprintf("%s circuit open", name), true, err)
		}
		return nil, err
	}
	return result, nil
}

// WithCircuitBreaker runs a void fn behind the named circuit breaker,
// then retries it with backoff on a recoverable failure — the combined
// store-op / WorkerRunner.execute call path §7 describes ("retried
// bounded three times with exponential backoff"), collapsed into one
// helper so callers don't hand-wire ExecuteWithCircuitBreaker and
// RetryWithBackoff separately.
func (h *Handler) WithCircuitBreaker(ctx context.Context, name string, fn func() error) error {
	return h.RetryWithBackoff(ctx, func() error {
		_, err := h.ExecuteWithCircuitBreaker(name, func() (interface{}, error) {
			return nil, fn()
		})
		return err
	})
}
