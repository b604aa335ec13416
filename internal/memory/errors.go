package memory

import "errors"

// Sentinel errors for memory operations. Callers branch with errors.Is;
// wrapped variants carry the operation context.
var (
	// ErrStorage indicates the underlying database failed.
	ErrStorage = errors.New("memory: storage failure")

	// ErrSummarization indicates the summarizer provider failed; the
	// affected messages stay uncompacted and are retried next cycle.
	ErrSummarization = errors.New("memory: summarization failure")

	// ErrNotFound indicates the requested entity does not exist. Read
	// paths translate this to an empty result rather than surfacing it.
	ErrNotFound = errors.New("memory: not found")

	// ErrCapacity indicates a bounded cache rejected an entry.
	ErrCapacity = errors.New("memory: capacity exceeded")
)
