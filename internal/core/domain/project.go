package domain

import (
	"errors"
	"slices"

	"go.trai.ch/zerr"
)

// Project is a loaded set of independent pipelines and their shared settings.
type Project struct {
	Backend  string
	StateDir string
	LockPath string
	Config   BuildConfig
	Lock     *Lockfile

	pipelines []*Pipeline
}

// NewProject creates an empty project with default settings.
func NewProject() *Project {
	return &Project{
		Backend:  BackendSnapshot,
		StateDir: StateDirName,
		LockPath: LockFileName,
		Config:   DefaultBuildConfig(),
		Lock:     NewLockfile(),
	}
}

// AddPipeline adds a pipeline to the project.
func (p *Project) AddPipeline(pl *Pipeline) error {
	if _, ok := p.Pipeline(pl.Name); ok {
		return zerr.With(zerr.New("pipeline already exists"), "pipeline", pl.Name)
	}
	p.pipelines = append(p.pipelines, pl)
	return nil
}

// Pipeline returns the named pipeline.
func (p *Project) Pipeline(name string) (*Pipeline, bool) {
	i := slices.IndexFunc(p.pipelines, func(pl *Pipeline) bool { return pl.Name == name })
	if i < 0 {
		return nil, false
	}
	return p.pipelines[i], true
}

// Names returns the pipeline names in definition order.
func (p *Project) Names() []string {
	names := make([]string, len(p.pipelines))
	for i, pl := range p.pipelines {
		names[i] = pl.Name
	}
	return names
}

// Select returns the named pipelines, or all of them when names is empty.
func (p *Project) Select(names ...string) ([]*Pipeline, error) {
	if len(p.pipelines) == 0 {
		return nil, ErrNoPipelines
	}
	if len(names) == 0 {
		return slices.Clone(p.pipelines), nil
	}
	out := make([]*Pipeline, 0, len(names))
	for _, name := range names {
		pl, ok := p.Pipeline(name)
		if !ok {
			return nil, Annotate(ErrPipelineNotFound, "pipeline", name)
		}
		if !slices.Contains(out, pl) {
			out = append(out, pl)
		}
	}
	return out, nil
}

// Validate validates every pipeline and joins the errors.
func (p *Project) Validate() error {
	var errs error
	for _, pl := range p.pipelines {
		errs = errors.Join(errs, pl.Validate())
	}
	return errs
}
