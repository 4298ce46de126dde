package domain

// StageReport is the outcome of one stage in a pipeline run.
type StageReport struct {
	Stage     string
	Status    StageStatus
	InputHash string
	Result    StageResult
	Err       error
}

// PipelineReport is the outcome of one pipeline run.
type PipelineReport struct {
	Pipeline string
	Stages   []StageReport
	Image    *OutputImage
	Err      error
}

// Succeeded reports whether the pipeline produced its image.
func (r PipelineReport) Succeeded() bool {
	return r.Err == nil && r.Image != nil
}

// Status returns the status of the named stage.
func (r PipelineReport) Status(stage string) StageStatus {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s.Status
		}
	}
	return StatusPending
}
