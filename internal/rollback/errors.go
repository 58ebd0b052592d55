package rollback

import "errors"

var (
	// ErrSnapshotNotFound is returned when a snapshot does not exist
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrIntegrityMismatch is returned when a snapshot's checksum does not match its state
	ErrIntegrityMismatch = errors.New("snapshot integrity mismatch")

	// ErrNoValidSnapshot is returned when no snapshot can serve as a rollback target
	ErrNoValidSnapshot = errors.New("no valid snapshot")

	// ErrRollbackInProgress is returned when a rollback is already running
	ErrRollbackInProgress = errors.New("rollback already in progress")
)
