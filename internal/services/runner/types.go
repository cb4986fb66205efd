package runner

import "time"

// JobStatus is the terminal (or reported) state of one connector run.
type JobStatus string

const (
	StatusRunning        JobStatus = "running"
	StatusCompleted      JobStatus = "completed"
	StatusFailed         JobStatus = "failed"
	StatusTimeout        JobStatus = "timeout"
	StatusError          JobStatus = "error"
	StatusAlreadyRunning JobStatus = "already_running"
)

// timeoutReturnCode is the sentinel return code recorded for killed runs.
const timeoutReturnCode = -1

// JobRecord is the immutable result of one execution attempt of a connector.
// It is created at dispatch and finalized exactly once.
type JobRecord struct {
	ID        string        `json:"id"` // connector name + start epoch
	Connector string        `json:"connector"`
	Status    JobStatus     `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	// ReturnCode is the process exit code; -1 for killed/timeout runs.
	ReturnCode int    `json:"return_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Error      string `json:"error,omitempty"`
}
