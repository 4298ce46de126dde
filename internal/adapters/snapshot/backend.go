// Package snapshot implements a backend that builds stages into directory snapshots.
package snapshot

import (
	"context"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/opencontainers/go-digest"
	"go.trai.ch/stagehand/internal/adapters/fs"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.Backend = (*Backend)(nil)

// Backend builds each stage into a root filesystem directory below the state directory.
// Commands run on the host with their working directory inside the stage root.
type Backend struct {
	executor ports.Executor
	fetcher  ports.SourceFetcher
	hasher   ports.Hasher
	resolver *fs.Resolver
	copier   *fs.Copier
	verifier *fs.Verifier
	logger   ports.Logger
}

// NewBackend creates a new snapshot Backend.
func NewBackend(
	executor ports.Executor,
	fetcher ports.SourceFetcher,
	hasher ports.Hasher,
	resolver *fs.Resolver,
	copier *fs.Copier,
	verifier *fs.Verifier,
	logger ports.Logger,
) *Backend {
	return &Backend{
		executor: executor,
		fetcher:  fetcher,
		hasher:   hasher,
		resolver: resolver,
		copier:   copier,
		verifier: verifier,
		logger:   logger,
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return domain.BackendSnapshot
}

// BuildStage applies the stage instructions to a fresh root filesystem.
// The snapshot only appears under its final name once every instruction succeeded.
func (b *Backend) BuildStage(ctx context.Context, req ports.StageRequest) (domain.StageResult, error) {
	stagesDir := domain.StagesPath(req.StateDir, req.Pipeline.Name)
	if err := os.MkdirAll(stagesDir, domain.DirPerm); err != nil {
		return domain.StageResult{}, zerr.With(errors.Join(domain.ErrStoreCreateFailed, err), "path", stagesDir)
	}

	tmp, err := os.MkdirTemp(stagesDir, "."+req.Stage.Name+"-")
	if err != nil {
		return domain.StageResult{}, zerr.With(zerr.Wrap(err, "failed to create stage directory"), "path", stagesDir)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	rootfs := RootFS(tmp)
	manifest := newManifest(req.Pipeline, req.Stage, req.InputHash)
	if err := b.prepareBase(req, rootfs, manifest); err != nil {
		return domain.StageResult{}, err
	}

	st := &stageState{
		req:      req,
		rootfs:   rootfs,
		manifest: manifest,
		vertex:   ports.VertexFromContext(ctx),
	}
	for i, in := range req.Stage.Instructions {
		if err := ctx.Err(); err != nil {
			return domain.StageResult{}, err
		}
		st.vertex.Log(domain.LogLevelInfo, domain.Describe(in))
		if err := b.apply(ctx, st, in); err != nil {
			err = zerr.With(err, "instruction", string(in.Kind()))
			return domain.StageResult{}, zerr.With(err, "step", i+1)
		}
	}

	if err := b.digestOutputs(st); err != nil {
		return domain.StageResult{}, err
	}

	data, err := manifest.write(tmp)
	if err != nil {
		return domain.StageResult{}, err
	}

	ref := filepath.Join(stagesDir, snapshotName(req.Stage.Name, req.InputHash))
	if err := os.RemoveAll(ref); err != nil {
		return domain.StageResult{}, zerr.With(zerr.Wrap(err, "failed to replace stale snapshot"), "path", ref)
	}
	if err := os.Rename(tmp, ref); err != nil {
		return domain.StageResult{}, zerr.With(zerr.Wrap(err, "failed to commit snapshot"), "path", ref)
	}
	committed = true

	return domain.StageResult{
		Ref:        ref,
		Digest:     digest.FromBytes(data).String(),
		Artifacts:  manifest.Artifacts,
		Provenance: manifest.Provenance,
	}, nil
}

// Exists reports whether the snapshot directory at ref is still complete.
func (b *Backend) Exists(_ context.Context, ref string) (bool, error) {
	_, err := os.Stat(filepath.Join(ref, manifestFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	return false, zerr.With(zerr.Wrap(err, "failed to stat snapshot"), "ref", ref)
}

// prepareBase seeds the root filesystem. Only scratch and earlier stages can serve as a base;
// stage bases are copied so the earlier snapshot is never modified.
func (b *Backend) prepareBase(req ports.StageRequest, rootfs string, m *Manifest) error {
	name, ok := req.Stage.BaseStage()
	if !ok {
		if req.Stage.Base != domain.ScratchBase {
			return domain.Annotate(domain.ErrUnsupportedBase, "base", req.Stage.Base)
		}
		if err := os.MkdirAll(rootfs, domain.DirPerm); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create root filesystem"), "path", rootfs)
		}
		return nil
	}

	base, ok := req.Imports[name]
	if !ok {
		return domain.Annotate(domain.ErrArtifactMissing, "stage", name)
	}
	parent, err := ReadManifest(base.Ref)
	if err != nil {
		return err
	}
	m.inherit(parent)
	if err := b.copier.Copy(RootFS(base.Ref), rootfs); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to copy base snapshot"), "stage", name)
	}
	return nil
}

func (b *Backend) digestOutputs(st *stageState) error {
	for _, out := range st.req.Stage.Outputs {
		if err := b.verifier.Require(st.rootfs, out); err != nil {
			return zerr.With(err, "output", out)
		}
		d, err := b.digestPath(within(st.rootfs, out))
		if err != nil {
			return err
		}
		st.manifest.Artifacts[out] = d
	}
	return nil
}

// digestPath returns the content digest of a file, or of every file below a directory.
func (b *Backend) digestPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to stat output"), "path", path)
	}
	if !info.IsDir() {
		return b.hasher.DigestFile(path)
	}

	var entries []string
	err = filepath.WalkDir(path, func(p string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fd, err := b.hasher.DigestFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		entries = append(entries, filepath.ToSlash(rel)+" "+fd+"\n")
		return nil
	})
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to digest output directory"), "path", path)
	}
	slices.Sort(entries)

	digester := digest.Canonical.Digester()
	for _, e := range entries {
		_, _ = io.WriteString(digester.Hash(), e)
	}
	return digester.Digest().String(), nil
}

func snapshotName(stage, inputHash string) string {
	if inputHash == "" {
		return stage
	}
	return stage + "-" + inputHash
}
