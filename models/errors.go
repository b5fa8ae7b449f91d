package models

import "errors"

// Failure taxonomy surfaced to callers. Sentinel values so the dispatch
// path can classify with errors.Is regardless of wrapping.
var (
	// ErrUnsupportedLanguage is a caller error: the language/tool pair does
	// not resolve to a known capability class. Never enqueued, not retryable.
	ErrUnsupportedLanguage = errors.New("unsupported language or tool")

	// ErrCapacityExceeded means the pool is at its configured maximum with
	// no free worker. Retryable after backoff.
	ErrCapacityExceeded = errors.New("worker pool capacity exceeded")

	// ErrExecutionTimeout means the worker did not respond within the hard
	// wall-clock limit. Retryable with backoff.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrWorkerFault covers worker-reported failures and transport failures
	// to a worker. Retryable on a different worker.
	ErrWorkerFault = errors.New("worker fault")

	// ErrJobNotFound is returned by status lookups for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrWorkerNotFound is returned by pool operations on unknown worker ids.
	ErrWorkerNotFound = errors.New("worker not found")
)

// Failure class strings recorded on failed jobs and returned to callers.
const (
	FailureCapacityExceeded    = "capacity_exceeded"
	FailureExecutionTimeout    = "execution_timeout"
	FailureWorkerFault         = "worker_fault"
	FailureUnsupportedLanguage = "unsupported_language"
	FailureInternal            = "internal_error"
)

// ClassifyError maps an error from the dispatch path to its failure class.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return FailureCapacityExceeded
	case errors.Is(err, ErrExecutionTimeout):
		return FailureExecutionTimeout
	case errors.Is(err, ErrWorkerFault):
		return FailureWorkerFault
	case errors.Is(err, ErrUnsupportedLanguage):
		return FailureUnsupportedLanguage
	default:
		return FailureInternal
	}
}
