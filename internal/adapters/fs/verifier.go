package fs

import (
	"os"
	"path/filepath"

	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/zerr"
)

// Verifier provides functionality to verify the existence of files inside a snapshot root.
type Verifier struct{}

// NewVerifier creates a new Verifier.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Require fails with domain.ErrArtifactMissing naming the first path absent from root.
func (v *Verifier) Require(root string, paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			if os.IsNotExist(err) {
				return domain.Annotate(domain.ErrArtifactMissing, "path", p)
			}
			return zerr.With(zerr.Wrap(err, "failed to stat path"), "path", p)
		}
	}
	return nil
}
