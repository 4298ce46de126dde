package domain

import (
	"go.trai.ch/zerr"
)

// StageStatus represents the lifecycle state of a stage within a pipeline run.
type StageStatus string

const (
	// StatusPending indicates the stage is waiting for earlier stages.
	StatusPending StageStatus = "pending"
	// StatusRunning indicates the stage is currently building.
	StatusRunning StageStatus = "running"
	// StatusSucceeded indicates the stage built successfully.
	StatusSucceeded StageStatus = "succeeded"
	// StatusCached indicates the stage was skipped because a valid snapshot exists.
	StatusCached StageStatus = "cached"
	// StatusFailed indicates the stage build failed.
	StatusFailed StageStatus = "failed"
	// StatusAborted indicates the stage never ran because an earlier stage failed.
	StatusAborted StageStatus = "aborted"
)

// Advances reports whether the pipeline may continue with the next stage.
func (s StageStatus) Advances() bool {
	return s == StatusSucceeded || s == StatusCached
}

// Transition returns next if moving from s to next is allowed.
// Succeeding is the only way forward; a failure can only lead to aborting the stages after it.
func (s StageStatus) Transition(next StageStatus) (StageStatus, error) {
	allowed := false
	switch s {
	case StatusPending:
		allowed = next == StatusRunning || next == StatusAborted
	case StatusRunning:
		allowed = next == StatusSucceeded || next == StatusCached || next == StatusFailed
	}
	if !allowed {
		err := Annotate(ErrInvalidTransition, "from", string(s))
		return s, zerr.With(err, "to", string(next))
	}
	return next, nil
}

// LogLevel represents the severity of a log message, mirroring the standard slog levels.
type LogLevel int

const (
	// LogLevelDebug represents debug-level verbosity.
	LogLevelDebug LogLevel = -4
	// LogLevelInfo represents informational verbosity.
	LogLevelInfo LogLevel = 0
	// LogLevelWarn represents warning verbosity.
	LogLevelWarn LogLevel = 4
	// LogLevelError represents error verbosity.
	LogLevelError LogLevel = 8
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
