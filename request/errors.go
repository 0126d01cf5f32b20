package request

import "github.com/cockroachdb/errors"

var (
	// ErrCancelled marks a request that was cancelled before completing.
	ErrCancelled = errors.New("request: cancelled")

	// ErrRetriesExhausted marks the last attempt error once a multi-attempt
	// retry budget is spent. errors.Is still matches the underlying error.
	ErrRetriesExhausted = errors.New("request: retries exhausted")

	// ErrBatchContract marks a batcher result that violates the batch
	// contract: a result-count mismatch or an item carrying neither data
	// nor an error. Contract errors are fatal for every request in the
	// batch and are never retried.
	ErrBatchContract = errors.New("request: batch contract violation")

	// ErrDuplicateBatcher is returned when a batcher is registered for a
	// (tags, match) pair that already has one.
	ErrDuplicateBatcher = errors.New("request: duplicate batcher registration")

	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("request: manager closed")
)
