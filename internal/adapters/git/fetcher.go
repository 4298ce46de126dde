// Package git retrieves pinned source dependencies with go-git.
package git

import (
	"context"
	"errors"
	"io"
	"os"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.SourceFetcher = (*Fetcher)(nil)

// Fetcher implements ports.SourceFetcher. It makes a single attempt per call.
type Fetcher struct{}

// NewFetcher creates a new Fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{}
}

// Fetch clones the tag named by dep.Version into dest with a depth of one
// and returns the commit the checkout points to.
func (f *Fetcher) Fetch(ctx context.Context, dep domain.PinnedDependency, dest string, progress io.Writer) (string, error) {
	if err := os.MkdirAll(dest, domain.DirPerm); err != nil {
		return "", fetchErr(dep, zerr.Wrap(err, "failed to create checkout directory"))
	}

	opts := &gogit.CloneOptions{
		URL:           dep.URL,
		ReferenceName: plumbing.NewTagReferenceName(dep.Version),
		SingleBranch:  true,
		Depth:         1,
	}
	if progress != nil {
		opts.Progress = progress
	}

	repo, err := gogit.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return "", fetchErr(dep, zerr.Wrap(err, "clone failed"))
	}

	head, err := repo.Head()
	if err != nil {
		return "", fetchErr(dep, zerr.Wrap(err, "failed to read checkout head"))
	}
	return peel(repo, head.Hash()).String(), nil
}

// Resolve lists the remote references and returns the commit the version tag points to.
// Like Fetch it only accepts tags, so every resolved version can be fetched.
func (f *Fetcher) Resolve(ctx context.Context, dep domain.PinnedDependency) (string, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: gogit.DefaultRemoteName,
		URLs: []string{dep.URL},
	})

	refs, err := remote.ListContext(ctx, &gogit.ListOptions{PeelingOption: gogit.AppendPeeled})
	if err != nil {
		return "", fetchErr(dep, zerr.Wrap(err, "failed to list remote references"))
	}

	byName := make(map[plumbing.ReferenceName]plumbing.Hash, len(refs))
	for _, ref := range refs {
		byName[ref.Name()] = ref.Hash()
	}

	tag := plumbing.NewTagReferenceName(dep.Version)
	for _, name := range []plumbing.ReferenceName{tag + "^{}", tag} {
		if hash, ok := byName[name]; ok {
			return hash.String(), nil
		}
	}
	return "", fetchErr(dep, zerr.New("version not found on remote"))
}

// peel returns the commit an annotated tag object points to, or h itself.
func peel(repo *gogit.Repository, h plumbing.Hash) plumbing.Hash {
	tag, err := repo.TagObject(h)
	if err != nil {
		return h
	}
	commit, err := tag.Commit()
	if err != nil {
		return h
	}
	return commit.Hash
}

func fetchErr(dep domain.PinnedDependency, cause error) error {
	return zerr.With(errors.Join(domain.ErrFetchFailed, cause), "dependency", dep.String())
}
