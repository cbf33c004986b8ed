package delta

import "errors"

var (
	// ErrConcurrentModification is returned when a commit loses the
	// optimistic race and runs out of retries.
	ErrConcurrentModification = errors.New("concurrent modification: commit retries exhausted")

	// ErrConflict is returned when a candidate commit is no longer valid
	// against the latest snapshot, e.g. a file it removes is already gone.
	ErrConflict = errors.New("commit conflicts with a newer table version")

	// ErrMergeConflict is returned when a merge keeps losing to concurrent
	// writers after recomputing from the latest snapshot.
	ErrMergeConflict = errors.New("merge conflicts with concurrent writers")

	// ErrCorruption is returned when a log entry fails structural validation.
	ErrCorruption = errors.New("corrupt transaction log entry")

	// ErrIncompleteCommit is returned when a commit file exists but its
	// payload was never fully published: the writer claimed the version
	// slot and died before writing the commitInfo trailer. Such a slot is
	// not a commit; readers serve the version before it and the next
	// writer may reclaim it.
	ErrIncompleteCommit = errors.New("incomplete commit entry")

	// ErrNotFound is returned when a referenced version or file is absent.
	ErrNotFound = errors.New("not found")
)
