package store

// Store persists fit checkpoints. Implementations must be safe for
// concurrent use.
//
// Load and Delete return an error matching ErrNotFound when the job has no
// checkpoint; other failures are wrapped with context.
type Store interface {
	// SaveCheckpoint atomically writes the checkpoint, replacing any previous one
	SaveCheckpoint(jobID string, checkpoint *Checkpoint) error

	// LoadCheckpoint reads the checkpoint for jobID
	LoadCheckpoint(jobID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for every readable checkpoint
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint together with its trace
	// (plain or archived).
	DeleteCheckpoint(jobID string) error
}

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint or trace.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "checkpoint not found: " + e.JobID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
