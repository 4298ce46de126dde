package domain

import "io"

// Command is a process invocation in exec form.
type Command struct {
	Args   []string
	Dir    string
	Env    map[string]string
	Stdout io.Writer
	Stderr io.Writer
}

// RenderedStage is the container build file generated for one stage.
type RenderedStage struct {
	Stage      string
	Dockerfile string
}
