package domain

import "errors"

var (
	// ErrValidation signals caller fault. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrRaceCondition signals a lost claim race. Expected under
	// contention and safe to retry with backoff.
	ErrRaceCondition = errors.New("claim lost race")

	// ErrDatabase wraps unexpected backend failures. Not retryable
	// without operator intervention.
	ErrDatabase = errors.New("database failure")

	// ErrRateLimited signals the caller exhausted its quota.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBreakerOpen signals the circuit breaker rejected the call
	// without contacting the backend.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrSyncFailed signals a fallback resync missed its success-rate
	// threshold; the system stays in fallback mode.
	ErrSyncFailed = errors.New("fallback resync failed")

	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAgentNotFound is returned when an agent id is unknown.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrTaskNotBlocked is returned when reassignment targets a task
	// that is not currently blocked.
	ErrTaskNotBlocked = errors.New("task is not blocked")
)

// Retryable reports whether an error is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrRaceCondition)
}
