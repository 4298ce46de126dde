package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.trai.ch/stagehand/internal/adapters/fs"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.Backend = (*Backend)(nil)

// EngineAPI is the subset of the engine client the backend uses.
type EngineAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageTag(ctx context.Context, source, target string) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
}

// Backend builds every stage as an untagged image. Only the final image of a
// pipeline is tagged, on publish.
type Backend struct {
	api      EngineAPI
	fetcher  ports.SourceFetcher
	resolver *fs.Resolver
	copier   *fs.Copier
	logger   ports.Logger
}

// NewBackend creates a new docker Backend.
func NewBackend(
	api EngineAPI,
	fetcher ports.SourceFetcher,
	resolver *fs.Resolver,
	copier *fs.Copier,
	logger ports.Logger,
) *Backend {
	return &Backend{
		api:      api,
		fetcher:  fetcher,
		resolver: resolver,
		copier:   copier,
		logger:   logger,
	}
}

// NewClient connects to the engine configured in the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, zerr.Wrap(err, "failed to create docker client")
	}
	return cli, nil
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return domain.BackendDocker
}

// BuildStage renders the stage, assembles its build context and builds it.
func (b *Backend) BuildStage(ctx context.Context, req ports.StageRequest) (domain.StageResult, error) {
	images := make(map[string]string, len(req.Imports))
	for name, res := range req.Imports {
		images[name] = res.Ref
	}
	pl, err := plan(req.Pipeline, req.Stage, req.Config, req.Lock, images)
	if err != nil {
		return domain.StageResult{}, err
	}

	dir, err := os.MkdirTemp("", "stagehand-context-")
	if err != nil {
		return domain.StageResult{}, zerr.Wrap(err, "failed to create build context")
	}
	defer os.RemoveAll(dir) //nolint:errcheck // Best effort cleanup

	vertex := ports.VertexFromContext(ctx)
	provenance, err := b.assemble(ctx, req, pl, dir, vertex)
	if err != nil {
		return domain.StageResult{}, err
	}

	id, err := b.build(ctx, req, pl, dir, vertex)
	if err != nil {
		return domain.StageResult{}, err
	}

	env, err := b.imageEnv(ctx, id)
	if err != nil {
		return domain.StageResult{}, err
	}

	artifacts := make(map[string]string, len(req.Stage.Outputs))
	for _, out := range req.Stage.Outputs {
		artifacts[out] = id
	}
	return domain.StageResult{
		Ref:        id,
		Digest:     id,
		Artifacts:  artifacts,
		Provenance: provenance,
		Env:        env,
	}, nil
}

// imageEnv returns the environment baked into an image, base image variables included.
func (b *Backend) imageEnv(ctx context.Context, id string) (map[string]string, error) {
	inspect, _, err := b.api.ImageInspectWithRaw(ctx, id)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to inspect image"), "ref", id)
	}
	env := make(map[string]string)
	if inspect.Config == nil {
		return env, nil
	}
	for _, kv := range inspect.Config.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env, nil
}

// assemble writes the Dockerfile, the fetched sources and the context files into dir.
func (b *Backend) assemble(
	ctx context.Context,
	req ports.StageRequest,
	pl *buildPlan,
	dir string,
	vertex ports.Vertex,
) (map[string]string, error) {
	dockerfile := filepath.Join(dir, DockerfileName)
	if err := os.WriteFile(dockerfile, []byte(pl.Dockerfile()), domain.FilePerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to write Dockerfile"), "path", dockerfile)
	}

	provenance := make(map[string]string, len(pl.sources))
	for _, src := range pl.sources {
		commit, err := b.fetcher.Fetch(ctx, src.dep, filepath.Join(dir, filepath.FromSlash(src.path)), vertex.Stderr())
		if err != nil {
			return nil, zerr.With(err, "instruction", string(domain.KindFetch))
		}
		if err := req.Lock.VerifySource(src.dep, commit); err != nil {
			return nil, err
		}
		provenance[src.dep.URL] = commit
		b.logger.Info("fetched " + src.dep.String() + " at " + commit)
	}

	for _, rel := range pl.context {
		host, err := b.resolver.Resolve(req.Config.ContextDir(), rel)
		if err != nil {
			return nil, zerr.With(err, "instruction", string(domain.KindCopy))
		}
		dst := filepath.Join(dir, contextDir, filepath.FromSlash(rel))
		if err := b.copier.Copy(host, dst); err != nil {
			return nil, zerr.With(errors.Join(domain.ErrInstructionFailed, err), "path", rel)
		}
	}
	return provenance, nil
}

func (b *Backend) build(
	ctx context.Context,
	req ports.StageRequest,
	pl *buildPlan,
	dir string,
	vertex ports.Vertex,
) (string, error) {
	tar, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", zerr.Wrap(err, "failed to archive build context")
	}
	defer tar.Close() //nolint:errcheck // Best effort close in defer

	resp, err := b.api.ImageBuild(ctx, tar, types.ImageBuildOptions{
		Dockerfile:  DockerfileName,
		Remove:      true,
		ForceRemove: true,
		NoCache:     req.Config.NoCache(),
		Labels: map[string]string{
			domain.LabelPipeline: req.Pipeline.Name,
			domain.LabelStage:    req.Stage.Name,
		},
	})
	if err != nil {
		return "", zerr.With(errors.Join(domain.ErrStageFailed, err), "stage", req.Stage.Name)
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort close in defer

	progress := &stepWriter{}
	var id string
	aux := func(msg jsonmessage.JSONMessage) {
		var result types.BuildResult
		if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.ID != "" {
			id = result.ID
		}
	}
	out := io.MultiWriter(vertex.Stdout(), progress)
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, aux); err != nil {
		return "", progress.classify(pl, err)
	}
	if id == "" {
		return "", zerr.With(zerr.New("build finished without an image ID"), "stage", req.Stage.Name)
	}
	return id, nil
}

// Exists reports whether the image is still present in the engine.
func (b *Backend) Exists(ctx context.Context, ref string) (bool, error) {
	if _, _, err := b.api.ImageInspectWithRaw(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, zerr.With(zerr.Wrap(err, "failed to inspect image"), "ref", ref)
	}
	return true, nil
}

// Publish tags the final stage image with the output name.
func (b *Backend) Publish(ctx context.Context, _ string, img domain.OutputImage) error {
	if err := b.api.ImageTag(ctx, img.Ref(), img.Tag()); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to tag image"), "tag", img.Tag())
	}
	b.logger.Info("tagged " + img.Ref() + " as " + img.Tag())
	return nil
}

var stepLine = regexp.MustCompile(`^Step (\d+)/\d+ :`)

const tailLines = 20

// stepWriter tracks the engine step in progress and the tail of the build output.
type stepWriter struct {
	mu      sync.Mutex
	step    int
	partial []byte
	tail    []string
}

func (w *stepWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *stepWriter) line(l string) {
	if m := stepLine.FindStringSubmatch(l); m != nil {
		w.step, _ = strconv.Atoi(m[1])
	}
	w.tail = append(w.tail, l)
	if len(w.tail) > tailLines {
		w.tail = w.tail[len(w.tail)-tailLines:]
	}
}

// classify maps a failed build onto the error of the stage instruction that was running.
func (w *stepWriter) classify(pl *buildPlan, cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	sentinel := domain.ErrStageFailed
	kind, ok := pl.KindAt(w.step)
	if ok {
		switch kind {
		case domain.KindCompile:
			sentinel = domain.ErrCompileFailed
		case domain.KindPackages, domain.KindToolchain:
			sentinel = domain.ErrInstallFailed
		case domain.KindCopy, domain.KindVerify:
			sentinel = domain.ErrArtifactMissing
		default:
			sentinel = domain.ErrInstructionFailed
		}
	}

	var sb strings.Builder
	for _, l := range w.tail {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	sb.Write(w.partial)

	err := errors.Join(sentinel, cause)
	if ok {
		err = zerr.With(err, "instruction", string(kind))
	}
	err = zerr.With(err, "step", w.step)
	return zerr.With(err, "output", sb.String())
}
