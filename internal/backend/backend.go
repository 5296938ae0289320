// Package backend defines the batch-execution backend contract (spec
// §6) consumed by the Job Batcher, plus one concrete implementation
// (LocalBackend) used for local runs and tests since the real cluster
// backends (LSF/SGE/etc.) are explicitly out of this system's scope.
package backend

import "context"

// UpdatedJob is the (jobID, exitStatus) pair a backend hands back from
// GetUpdatedJob once a dispatched job finishes.
type UpdatedJob struct {
	JobID      int
	ExitStatus int
}

// Backend is the external batch-execution collaborator. The
// controller calls it directly to issue, kill and reap jobs; the Job
// Batcher (internal/batcher) holds no reference to it and only
// records the ids the backend hands back.
type Backend interface {
	// IssueJob submits command to run with the given resource
	// request, directing its output to slaveLogPath, and returns the
	// backend-assigned job id.
	IssueJob(ctx context.Context, command string, memory, cpu int64, slaveLogPath string) (int, error)

	// KillJobs best-effort terminates the given ids.
	KillJobs(ctx context.Context, ids []int) error

	// GetIssuedJobIDs lists every id the backend currently considers
	// outstanding (queued or running).
	GetIssuedJobIDs(ctx context.Context) ([]int, error)

	// GetRunningJobIDs maps every currently running id to its elapsed
	// wall-clock time in seconds.
	GetRunningJobIDs(ctx context.Context) (map[int]float64, error)

	// GetUpdatedJob blocks up to timeoutSeconds for the next job
	// completion. A nil result with a nil error means the wait timed
	// out with nothing to report.
	GetUpdatedJob(ctx context.Context, timeoutSeconds int) (*UpdatedJob, error)
}
