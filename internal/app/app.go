// Package app implements the application layer for stagehand.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.trai.ch/stagehand/internal/adapters/snapshot" //nolint:depguard // OCI conversion shared with inspect
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/stagehand/internal/engine/runner"
	"go.trai.ch/stagehand/internal/recipes"
	"go.trai.ch/zerr"
)

// App represents the main application logic.
type App struct {
	loader   ports.ConfigLoader
	locks    ports.LockfileStore
	runner   *runner.Runner
	renderer ports.Renderer
	fetcher  ports.SourceFetcher
	images   ports.ImageStore
	logger   ports.Logger
	backends map[string]ports.Backend
}

// New creates a new App instance. Backends are selected by their Name.
func New(
	loader ports.ConfigLoader,
	locks ports.LockfileStore,
	run *runner.Runner,
	renderer ports.Renderer,
	fetcher ports.SourceFetcher,
	images ports.ImageStore,
	logger ports.Logger,
	backends ...ports.Backend,
) *App {
	byName := make(map[string]ports.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	return &App{
		loader:   loader,
		locks:    locks,
		runner:   run,
		renderer: renderer,
		fetcher:  fetcher,
		images:   images,
		logger:   logger,
		backends: byName,
	}
}

// ProjectOptions selects the project file. An empty ConfigPath looks for
// stagehand.yaml in the working directory and falls back to the built-in pipelines.
type ProjectOptions struct {
	ConfigPath string
}

// BuildOptions configuration for the Build method.
type BuildOptions struct {
	ProjectOptions
	NoCache bool
	Backend string
}

// Build runs the named pipelines, or every pipeline when none is named.
func (a *App) Build(ctx context.Context, names []string, opts BuildOptions) error {
	proj, err := a.loadProject(opts.ProjectOptions)
	if err != nil {
		return err
	}

	pipelines, err := proj.Select(names...)
	if err != nil {
		return err
	}

	backendName := proj.Backend
	if opts.Backend != "" {
		backendName = opts.Backend
	}
	backend, ok := a.backends[backendName]
	if !ok {
		return domain.Annotate(domain.ErrUnknownBackend, "backend", backendName)
	}

	lock, err := a.locks.LoadLock(proj.LockPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load lockfile")
	}

	cfg := proj.Config
	if opts.NoCache {
		cfg = cfg.WithNoCache(true)
	}

	runID := uuid.NewString()
	a.logger.Info(fmt.Sprintf("build %s started with the %s backend", runID, backend.Name()))

	reports, err := a.runner.Run(ctx, runner.Request{
		Backend:   backend,
		Pipelines: pipelines,
		Config:    cfg,
		Lock:      lock,
		StateDir:  proj.StateDir,
		RunID:     runID,
	})
	for _, r := range reports {
		a.report(r)
	}
	if err != nil {
		return zerr.With(err, "run_id", runID)
	}
	return nil
}

func (a *App) report(r domain.PipelineReport) {
	for _, s := range r.Stages {
		a.logger.Info(fmt.Sprintf("%s/%s %s", r.Pipeline, s.Stage, s.Status))
	}
	if r.Succeeded() {
		a.logger.Info(fmt.Sprintf("%s published %s", r.Pipeline, r.Image.Tag()))
	}
}

// Render writes the container build file of every stage of a pipeline to w.
func (a *App) Render(_ context.Context, pipeline string, w io.Writer, opts ProjectOptions) error {
	proj, err := a.loadProject(opts)
	if err != nil {
		return err
	}

	selected, err := proj.Select(pipeline)
	if err != nil {
		return err
	}

	lock, err := a.locks.LoadLock(proj.LockPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load lockfile")
	}

	rendered, err := a.renderer.Render(selected[0], proj.Config, lock)
	if err != nil {
		return err
	}

	for i, r := range rendered {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return zerr.Wrap(err, "failed to write output")
			}
		}
		if _, err := io.WriteString(w, r.Dockerfile); err != nil {
			return zerr.Wrap(err, "failed to write output")
		}
	}
	return nil
}

// Inspection is the metadata printed for a published image.
type Inspection struct {
	Tag      string        `json:"tag"`
	Pipeline string        `json:"pipeline"`
	Ref      string        `json:"ref"`
	Digest   string        `json:"digest"`
	Created  time.Time     `json:"created"`
	Image    ocispec.Image `json:"image"`
}

// Inspect writes the metadata of the image last published by a pipeline to w as JSON.
func (a *App) Inspect(_ context.Context, pipeline string, w io.Writer, opts ProjectOptions) error {
	proj, err := a.loadProject(opts)
	if err != nil {
		return err
	}
	if _, err := proj.Select(pipeline); err != nil {
		return err
	}

	img, err := a.images.Get(proj.StateDir, pipeline)
	if err != nil {
		return err
	}
	if img == nil {
		return domain.Annotate(domain.ErrImageNotFound, "pipeline", pipeline)
	}

	cfg, err := snapshot.ImageConfig(*img)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Inspection{
		Tag:      img.Tag(),
		Pipeline: img.Pipeline(),
		Ref:      img.Ref(),
		Digest:   img.Digest(),
		Created:  img.Created(),
		Image:    cfg,
	}); err != nil {
		return zerr.Wrap(err, "failed to encode image metadata")
	}
	return nil
}

// Lock resolves the version of every fetched source to a commit and writes the lockfile.
// Package entries already in the lockfile are kept.
func (a *App) Lock(ctx context.Context, opts ProjectOptions) error {
	proj, err := a.loadProject(opts)
	if err != nil {
		return err
	}

	pipelines, err := proj.Select()
	if err != nil {
		return err
	}

	lock, err := a.locks.LoadLock(proj.LockPath)
	if err != nil {
		return zerr.Wrap(err, "failed to load lockfile")
	}

	seen := make(map[domain.PinnedDependency]bool)
	for _, p := range pipelines {
		for _, s := range p.Walk() {
			for dep := range s.Sources() {
				if seen[dep] {
					continue
				}
				seen[dep] = true

				commit, err := a.fetcher.Resolve(ctx, dep)
				if err != nil {
					return err
				}
				lock.SetSource(dep, commit)
				a.logger.Info(fmt.Sprintf("locked %s at %s", dep, commit))
			}
		}
	}

	if err := a.locks.SaveLock(proj.LockPath, lock); err != nil {
		return zerr.Wrap(err, "failed to write lockfile")
	}
	a.logger.Info("wrote " + proj.LockPath)
	return nil
}

// Clean removes the state directory holding stage snapshots, records and published images.
func (a *App) Clean(_ context.Context, opts ProjectOptions) error {
	proj, err := a.loadProject(opts)
	if err != nil {
		return err
	}

	a.logger.Info(fmt.Sprintf("removing %s...", proj.StateDir))
	if err := os.RemoveAll(proj.StateDir); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to remove state directory"), "path", proj.StateDir)
	}
	a.logger.Info(fmt.Sprintf("removed %s", proj.StateDir))
	return nil
}

func (a *App) loadProject(opts ProjectOptions) (*domain.Project, error) {
	path := opts.ConfigPath
	if path == "" {
		path = domain.ProjectFileName
	}

	proj, err := a.loader.Load(path)
	if err == nil {
		return proj, nil
	}
	if opts.ConfigPath == "" && errors.Is(err, fs.ErrNotExist) {
		a.logger.Info("no " + domain.ProjectFileName + " found, using the built-in pipelines")
		return recipes.Project()
	}
	return nil, zerr.Wrap(err, "failed to load configuration")
}
