package fs

import (
	"os"
	"path/filepath"
	"strings"

	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/zerr"
)

// Resolver maps build context paths onto the host file system.
type Resolver struct{}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the host path of p inside the context root.
// Paths that leave the root are rejected and missing paths yield domain.ErrArtifactMissing.
func (r *Resolver) Resolve(root, p string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to resolve context root"), "path", root)
	}

	path := filepath.Join(absRoot, filepath.FromSlash(p))
	rel, err := filepath.Rel(absRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.Annotate(domain.ErrInvalidInstruction, "path", p)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", zerr.With(domain.Annotate(domain.ErrArtifactMissing, "path", p), "context", absRoot)
		}
		return "", zerr.With(zerr.Wrap(err, "failed to stat context path"), "path", path)
	}
	return path, nil
}
