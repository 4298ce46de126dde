package domain

import "go.trai.ch/zerr"

var (
	// ErrStageAlreadyExists is returned when a pipeline already holds a stage with the same name.
	ErrStageAlreadyExists = zerr.New("stage already exists")

	// ErrForwardReference is returned when a stage references a stage that is not defined before it.
	ErrForwardReference = zerr.New("reference to a stage not defined earlier in the pipeline")

	// ErrUnknownArtifact is returned when a copy names a path the producing stage does not declare as output.
	ErrUnknownArtifact = zerr.New("artifact is not a declared stage output")

	// ErrUnknownUser is returned when a stage switches to a user that was never created.
	ErrUnknownUser = zerr.New("unknown user")

	// ErrEmptyEntrypoint is returned when an entrypoint or command instruction has no arguments.
	ErrEmptyEntrypoint = zerr.New("entrypoint must not be empty")

	// ErrInvalidInstruction is returned when an instruction is missing a required field.
	ErrInvalidInstruction = zerr.New("invalid instruction")

	// ErrEmptyPipeline is returned when a pipeline has no stages.
	ErrEmptyPipeline = zerr.New("pipeline has no stages")

	// ErrPipelineNotFound is returned when a requested pipeline is not defined.
	ErrPipelineNotFound = zerr.New("pipeline not found")

	// ErrNoPipelines is returned when a build is requested but nothing is defined.
	ErrNoPipelines = zerr.New("no pipelines defined")

	// ErrFetchFailed is returned when a pinned source dependency cannot be retrieved.
	ErrFetchFailed = zerr.New("source retrieval failed")

	// ErrCompileFailed is returned when the compile instruction fails.
	ErrCompileFailed = zerr.New("compilation failed")

	// ErrInstallFailed is returned when a package or toolchain installation fails.
	ErrInstallFailed = zerr.New("installation failed")

	// ErrArtifactMissing is returned when a file to copy does not exist.
	ErrArtifactMissing = zerr.New("artifact missing")

	// ErrInstructionFailed is returned when any other instruction fails.
	ErrInstructionFailed = zerr.New("instruction failed")

	// ErrStageFailed is returned when a stage fails to build.
	ErrStageFailed = zerr.New("stage failed")

	// ErrPipelineAborted is returned when a pipeline stops because one of its stages failed.
	ErrPipelineAborted = zerr.New("pipeline aborted")

	// ErrLockMismatch is returned when a resolved source or package differs from the lockfile.
	ErrLockMismatch = zerr.New("lockfile mismatch")

	// ErrPackageNotLocked is returned when a strict lock does not cover an installed package.
	ErrPackageNotLocked = zerr.New("package not present in lockfile")

	// ErrInvalidTransition is returned when a stage status change is not allowed.
	ErrInvalidTransition = zerr.New("invalid stage status transition")

	// ErrStoreCreateFailed is returned when the state directory cannot be created.
	ErrStoreCreateFailed = zerr.New("failed to create state directory")

	// ErrStoreReadFailed is returned when a stored record cannot be read.
	ErrStoreReadFailed = zerr.New("failed to read stored record")

	// ErrStoreUnmarshalFailed is returned when a stored record cannot be unmarshaled.
	ErrStoreUnmarshalFailed = zerr.New("failed to unmarshal stored record")

	// ErrStoreMarshalFailed is returned when a record cannot be marshaled.
	ErrStoreMarshalFailed = zerr.New("failed to marshal record")

	// ErrStoreWriteFailed is returned when a record cannot be written.
	ErrStoreWriteFailed = zerr.New("failed to write record")

	// ErrImageNotFound is returned when no published image exists for a pipeline.
	ErrImageNotFound = zerr.New("image not found")

	// ErrUnknownBackend is returned when a build selects a backend that is not registered.
	ErrUnknownBackend = zerr.New("unknown backend")

	// ErrUnsupportedBase is returned when a backend cannot start a stage from its base.
	ErrUnsupportedBase = zerr.New("base is not supported by the backend")
)

// Annotate attaches metadata to a sentinel error while keeping it matchable with errors.Is.
func Annotate(sentinel error, key string, value any) error {
	return zerr.With(zerr.Wrap(sentinel, ""), key, value)
}
