// Package domain contains the core models of staged build pipelines.
package domain

import (
	"iter"
	"path"
	"strings"

	"go.trai.ch/zerr"
)

// Pipeline is an ordered chain of stages producing one output image.
type Pipeline struct {
	Name   string
	Output string

	stages []*Stage
	index  map[string]int
}

// NewPipeline creates an empty pipeline whose final stage is published as output.
func NewPipeline(name, output string) *Pipeline {
	return &Pipeline{
		Name:   name,
		Output: output,
		index:  make(map[string]int),
	}
}

// AddStage appends a stage to the pipeline.
// It returns an error if a stage with the same name already exists.
func (p *Pipeline) AddStage(s *Stage) error {
	if s.Name == "" || strings.ContainsAny(s.Name, ":/") {
		return zerr.With(zerr.New("invalid stage name"), "stage", s.Name)
	}
	if _, exists := p.index[s.Name]; exists {
		return Annotate(ErrStageAlreadyExists, "stage", s.Name)
	}
	p.index[s.Name] = len(p.stages)
	p.stages = append(p.stages, s)
	return nil
}

// Stage returns the named stage.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.stages[i], true
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Final returns the last stage, or nil for an empty pipeline.
func (p *Pipeline) Final() *Stage {
	if len(p.stages) == 0 {
		return nil
	}
	return p.stages[len(p.stages)-1]
}

// Walk yields stages in build order together with their position.
func (p *Pipeline) Walk() iter.Seq2[int, *Stage] {
	return func(yield func(int, *Stage) bool) {
		for i, s := range p.stages {
			if !yield(i, s) {
				return
			}
		}
	}
}

// Validate checks that every stage only references stages defined before it,
// that copied paths are declared outputs and that switched users exist.
func (p *Pipeline) Validate() error {
	if len(p.stages) == 0 {
		return Annotate(ErrEmptyPipeline, "pipeline", p.Name)
	}

	users := make(map[string]map[string]bool, len(p.stages))
	for i, s := range p.stages {
		known := map[string]bool{RootUser: true}

		if base, ok := s.BaseStage(); ok {
			if err := p.checkEarlier(i, base); err != nil {
				return p.stageErr(s, err)
			}
			for u := range users[base] {
				known[u] = true
			}
		}

		for _, out := range s.Outputs {
			if !path.IsAbs(out) {
				return p.stageErr(s, zerr.With(zerr.New("stage output must be absolute"), "path", out))
			}
		}

		for _, in := range s.Instructions {
			if err := in.Validate(); err != nil {
				return p.stageErr(s, err)
			}
			if err := p.checkInstruction(i, in, known); err != nil {
				return p.stageErr(s, err)
			}
		}
		users[s.Name] = known
	}
	return nil
}

func (p *Pipeline) checkInstruction(pos int, in Instruction, known map[string]bool) error {
	switch v := in.(type) {
	case Copy:
		if v.From.FromContext() {
			return nil
		}
		if err := p.checkEarlier(pos, v.From.Stage); err != nil {
			return err
		}
		producer := p.stages[p.index[v.From.Stage]]
		if !producer.HasOutput(v.From.Path) {
			return Annotate(ErrUnknownArtifact, "artifact", v.From.String())
		}
	case CreateUser:
		known[v.Name] = true
	case SwitchUser:
		if !known[v.Name] {
			return Annotate(ErrUnknownUser, "user", v.Name)
		}
	case Mkdir:
		if v.Owner != "" && !known[v.Owner] {
			return Annotate(ErrUnknownUser, "user", v.Owner)
		}
	}
	return nil
}

func (p *Pipeline) checkEarlier(pos int, name string) error {
	i, ok := p.index[name]
	if !ok || i >= pos {
		return Annotate(ErrForwardReference, "reference", name)
	}
	return nil
}

func (p *Pipeline) stageErr(s *Stage, err error) error {
	return zerr.With(zerr.With(err, "pipeline", p.Name), "stage", s.Name)
}

// Lineage returns the chain of stages the named stage derives its snapshot from,
// starting with the root of the chain and ending with the stage itself.
func (p *Pipeline) Lineage(name string) []*Stage {
	var chain []*Stage
	for {
		s, ok := p.Stage(name)
		if !ok {
			break
		}
		chain = append([]*Stage{s}, chain...)
		base, ok := s.BaseStage()
		if !ok {
			break
		}
		name = base
	}
	return chain
}

// ImageConfig folds the metadata of the final stage lineage into the image configuration.
func (p *Pipeline) ImageConfig() ImageConfig {
	cfg := newImageConfig()
	final := p.Final()
	if final == nil {
		return cfg
	}

	users := map[string][2]int{RootUser: {0, 0}}
	for _, s := range p.Lineage(final.Name) {
		for _, in := range s.Instructions {
			cfg.apply(in, users)
		}
	}
	cfg.Labels[LabelPipeline] = p.Name
	cfg.Labels[LabelStage] = final.Name
	return cfg
}
