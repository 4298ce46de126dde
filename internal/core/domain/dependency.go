package domain

import (
	"strings"

	"go.trai.ch/zerr"
)

// PinnedDependency identifies a reproducible source checkout.
// It is fixed at authoring time and never changes during a build.
type PinnedDependency struct {
	// URL is the repository location.
	URL string

	// Version is the tag selecting the checkout (e.g., "v1.12.0").
	Version string
}

// NewPinnedDependency validates and returns a PinnedDependency.
func NewPinnedDependency(url, version string) (PinnedDependency, error) {
	url = strings.TrimSpace(url)
	version = strings.TrimSpace(version)
	if url == "" || version == "" {
		err := Annotate(ErrInvalidInstruction, "url", url)
		return PinnedDependency{}, zerr.With(err, "version", version)
	}
	return PinnedDependency{URL: url, Version: version}, nil
}

// Name returns the repository name derived from the URL, without a ".git" suffix.
func (d PinnedDependency) Name() string {
	name := strings.TrimSuffix(strings.TrimRight(d.URL, "/"), ".git")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// String renders the dependency as url@version.
func (d PinnedDependency) String() string {
	return d.URL + "@" + d.Version
}
