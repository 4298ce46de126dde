package domain

import (
	"iter"
	"slices"
	"strings"
)

const (
	// ScratchBase is the empty base.
	ScratchBase = "scratch"

	// StageBasePrefix marks a base that derives from an earlier stage's snapshot.
	StageBasePrefix = "stage:"

	// RootUser is the privileged default identity.
	RootUser = "root"
)

// Stage is a named base plus an ordered list of instructions.
type Stage struct {
	Name         string
	Base         string
	Instructions []Instruction
	Outputs      []string
}

// BaseStage returns the name of the stage this stage derives from, if any.
func (s *Stage) BaseStage() (string, bool) {
	name, ok := strings.CutPrefix(s.Base, StageBasePrefix)
	return name, ok && name != ""
}

// Imports returns the names of the earlier stages this stage reads from, in first-use order.
func (s *Stage) Imports() []string {
	var names []string
	if name, ok := s.BaseStage(); ok {
		names = append(names, name)
	}
	for _, in := range s.Instructions {
		c, ok := in.(Copy)
		if !ok || c.From.FromContext() {
			continue
		}
		if !slices.Contains(names, c.From.Stage) {
			names = append(names, c.From.Stage)
		}
	}
	return names
}

// HasOutput reports whether p is a declared output of the stage.
func (s *Stage) HasOutput(p string) bool {
	return slices.Contains(s.Outputs, p)
}

// Sources yields every pinned dependency fetched by the stage.
func (s *Stage) Sources() iter.Seq[PinnedDependency] {
	return func(yield func(PinnedDependency) bool) {
		for _, in := range s.Instructions {
			if f, ok := in.(Fetch); ok {
				if !yield(f.Source) {
					return
				}
			}
		}
	}
}

// Packages returns every system package installed by the stage.
func (s *Stage) Packages() []string {
	var names []string
	for _, in := range s.Instructions {
		if p, ok := in.(InstallPackages); ok {
			names = append(names, p.Names...)
		}
	}
	return names
}
