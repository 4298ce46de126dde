// Package config provides the project and lockfile loaders for stagehand.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/docker/go-connections/nat"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// SupportedVersion is the project file version this loader understands.
const SupportedVersion = "1"

var (
	_ ports.ConfigLoader  = (*Loader)(nil)
	_ ports.LockfileStore = (*Loader)(nil)
)

// Loader implements ports.ConfigLoader and ports.LockfileStore using YAML files.
type Loader struct {
	logger ports.Logger
}

// NewLoader creates a new Loader.
func NewLoader(logger ports.Logger) *Loader {
	return &Loader{logger: logger}
}

// Load reads the project file at path and returns a validated domain.Project.
// Relative context, state and lockfile paths are resolved against the file's directory.
func (l *Loader) Load(path string) (*domain.Project, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is provided by user
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read config file"), "path", path)
	}

	var file Projectfile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to parse config file"), "path", path)
	}

	if file.Version != "" && file.Version != SupportedVersion {
		l.logger.Warn("unsupported config version " + strconv.Quote(file.Version) + ", reading as version " + SupportedVersion)
	}

	root := filepath.Dir(path)
	proj := domain.NewProject()

	switch file.Backend {
	case "", domain.BackendSnapshot:
		proj.Backend = domain.BackendSnapshot
	case domain.BackendDocker:
		proj.Backend = domain.BackendDocker
	default:
		return nil, domain.Annotate(domain.ErrUnknownBackend, "backend", file.Backend)
	}

	proj.StateDir = resolve(root, file.State, domain.StateDirName)
	proj.LockPath = resolve(root, file.Lockfile, domain.LockFileName)
	proj.Config = buildConfig(proj.Config, file.Build).WithContextDir(resolve(root, file.Context, "."))

	names := make([]string, 0, len(file.Pipelines))
	for name := range file.Pipelines {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		p, err := l.pipeline(name, file.Pipelines[name])
		if err != nil {
			return nil, err
		}
		if err := proj.AddPipeline(p); err != nil {
			return nil, err
		}
	}

	if err := proj.Validate(); err != nil {
		return nil, err
	}
	return proj, nil
}

func resolve(root, p, fallback string) string {
	if p == "" {
		p = fallback
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

func buildConfig(cfg domain.BuildConfig, dto BuildDTO) domain.BuildConfig {
	if dto.NonInteractive != nil {
		cfg = cfg.WithNonInteractive(*dto.NonInteractive)
	}
	return cfg.
		WithLocale(dto.Locale).
		WithTimezone(dto.Timezone).
		WithParallelism(dto.Parallelism).
		WithStrictLock(dto.StrictLock)
}

func (l *Loader) pipeline(name string, dto PipelineDTO) (*domain.Pipeline, error) {
	output := dto.Output
	if output == "" {
		output = name + ":latest"
	}
	p := domain.NewPipeline(name, output)

	for _, sdto := range dto.Stages {
		stage := &domain.Stage{
			Name:    sdto.Name,
			Base:    sdto.From,
			Outputs: sdto.Outputs,
		}
		if stage.Base == "" {
			stage.Base = domain.ScratchBase
		}
		for i := range sdto.Steps {
			in, err := decodeStep(&sdto.Steps[i])
			if err != nil {
				return nil, zerr.With(zerr.With(err, "pipeline", name), "stage", sdto.Name)
			}
			stage.Instructions = append(stage.Instructions, in...)
		}
		if err := p.AddStage(stage); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// decodeStep decodes a one-key step map. An env step may yield several instructions.
func decodeStep(node *yaml.Node) ([]domain.Instruction, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return nil, zerr.With(zerr.New("step must be a map with exactly one key"), "line", node.Line)
	}
	kind := domain.InstructionKind(node.Content[0].Value)
	body := node.Content[1]

	in, err := decodeBody(kind, body)
	if err != nil {
		return nil, zerr.With(zerr.With(err, "step", string(kind)), "line", node.Line)
	}
	return in, nil
}

//nolint:cyclop,funlen // one case per instruction kind
func decodeBody(kind domain.InstructionKind, body *yaml.Node) ([]domain.Instruction, error) {
	one := func(in domain.Instruction) ([]domain.Instruction, error) {
		return []domain.Instruction{in}, nil
	}

	switch kind {
	case domain.KindFetch:
		var dto FetchDTO
		if err := body.Decode(&dto); err != nil {
			return nil, zerr.Wrap(err, "failed to decode step")
		}
		dep, err := domain.NewPinnedDependency(dto.URL, dto.Version)
		if err != nil {
			return nil, err
		}
		return one(domain.Fetch{Source: dep, Dest: dto.Dest})

	case domain.KindCompile:
		var dto CompileDTO
		if err := body.Decode(&dto); err != nil {
			return nil, zerr.Wrap(err, "failed to decode step")
		}
		return one(domain.Compile{Dir: dto.Dir, BuildType: dto.BuildType, Target: dto.Target, Jobs: dto.Jobs})

	case domain.KindRun:
		if body.Kind == yaml.SequenceNode {
			args, err := decodeStrings(body)
			if err != nil {
				return nil, err
			}
			return one(domain.Run{Args: args})
		}
		var dto RunDTO
		if err := body.Decode(&dto); err != nil {
			return nil, zerr.Wrap(err, "failed to decode step")
		}
		return one(domain.Run{Args: dto.Args, Dir: dto.Dir})

	case domain.KindEnv:
		if body.Kind != yaml.MappingNode {
			return nil, zerr.New("env step must be a map")
		}
		out := make([]domain.Instruction, 0, len(body.Content)/2)
		for i := 0; i+1 < len(body.Content); i += 2 {
			out = append(out, domain.SetEnv{Key: body.Content[i].Value, Value: body.Content[i+1].Value})
		}
		return out, nil

	case domain.KindSystem:
		names, err := decodeStrings(body)
		if err != nil {
			return nil, err
		}
		settings := make([]domain.SystemSetting, len(names))
		for i, n := range names {
			settings[i] = domain.SystemSetting(n)
		}
		return one(domain.ConfigureSystem{Settings: settings})

	case domain.KindPackages:
		names, err := decodeStrings(body)
		if err != nil {
			return nil, err
		}
		return one(domain.InstallPackages{Names: names})

	case domain.KindToolchain:
		var dto ToolchainDTO
		if err := body.Decode(&dto); err != nil {
			return nil, zerr.Wrap(err, "failed to decode step")
		}
		return one(domain.InstallToolchain{Installer: dto.Installer, Version: dto.Version, Components: dto.Components})

	case domain.KindUser:
		var dto UserDTO
		if err := body.Decode(&dto); err != nil {
			return nil, zerr.Wrap(err, "failed to decode step")
		}
		if dto.GID == 0 {
			dto.GID = dto.UID
		}
		if dto.Home == "" && dto.Name != "" {
			dto.Home = "/home/" + dto.Name
		}
		return one(domain.CreateUser{
			Name:        dto.Name,
			UID:         dto.UID,
			GID:         dto.GID,
			Home:        dto.Home,
			Shell:       dto.Shell,
			Sudo:        dto.Sudo,
			PreserveEnv: dto.PreserveEnv,
		})

	case domain.KindAs:
		return one(domain.SwitchUser{Name: body.Value})

	case domain.KindPath:
		dirs, err := decodeStrings(body)
		if err != nil {
			return nil, err
		}
		return one(domain.ExtendPath{Dirs: dirs})

	case domain.KindCopy:
		var dto CopyDTO
		if err := body.Decode(&dto); err != nil {
			return nil, zerr.Wrap(err, "failed to decode step")
		}
		return one(domain.Copy{From: domain.ParseArtifactHandle(dto.From), Dest: dto.To})

	case domain.KindMkdir:
		if body.Kind == yaml.ScalarNode {
			return one(domain.Mkdir{Path: body.Value})
		}
		var dto MkdirDTO
		if err := body.Decode(&dto); err != nil {
			return nil, zerr.Wrap(err, "failed to decode step")
		}
		return one(domain.Mkdir{Path: dto.Path, Owner: dto.Owner})

	case domain.KindVerify:
		return one(domain.Verify{Path: body.Value})

	case domain.KindExpose:
		specs, err := decodeStrings(body)
		if err != nil {
			return nil, err
		}
		ports, err := parsePorts(specs)
		if err != nil {
			return nil, err
		}
		return one(domain.Expose{Ports: ports})

	case domain.KindEntrypoint:
		args, err := decodeStrings(body)
		if err != nil {
			return nil, err
		}
		return one(domain.Entrypoint{Args: args})

	case domain.KindCmd:
		args, err := decodeStrings(body)
		if err != nil {
			return nil, err
		}
		return one(domain.Cmd{Args: args})

	case domain.KindWorkdir:
		return one(domain.Workdir{Path: body.Value})

	default:
		return nil, domain.Annotate(domain.ErrInvalidInstruction, "instruction", string(kind))
	}
}

// decodeStrings accepts a sequence or a single scalar.
func decodeStrings(node *yaml.Node) ([]string, error) {
	if node.Kind == yaml.ScalarNode {
		return []string{node.Value}, nil
	}
	var out []string
	if err := node.Decode(&out); err != nil {
		return nil, zerr.Wrap(err, "expected a list of strings")
	}
	return out, nil
}

// parsePorts parses "8080", "8082/udp" and "9000-9002/tcp" specifications.
func parsePorts(specs []string) ([]domain.Port, error) {
	var out []domain.Port
	for _, spec := range specs {
		proto, raw := nat.SplitProtoPort(spec)
		port, err := nat.NewPort(proto, raw)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "invalid port"), "port", spec)
		}
		start, end, err := port.Range()
		if err != nil || start == 0 {
			return nil, zerr.With(zerr.New("invalid port"), "port", spec)
		}
		for n := start; n <= end; n++ {
			out = append(out, domain.Port{Number: n, Proto: port.Proto()})
		}
	}
	return out, nil
}

// LoadLock reads the lockfile at path. A missing file yields an empty lockfile.
func (l *Loader) LoadLock(path string) (*domain.Lockfile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is provided by user
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NewLockfile(), nil
		}
		return nil, zerr.With(zerr.Wrap(err, "failed to read lockfile"), "path", path)
	}

	var dto LockfileDTO
	if err := yaml.Unmarshal(data, &dto); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to parse lockfile"), "path", path)
	}
	if dto.Version > domain.LockfileVersion {
		return nil, zerr.With(zerr.New("unsupported lockfile version"), "version", dto.Version)
	}

	lock := domain.NewLockfile()
	for url, src := range dto.Sources {
		lock.Sources[url] = domain.LockedSource{Version: src.Version, Commit: src.Commit}
	}
	for name, pkg := range dto.Packages {
		lock.Packages[name] = domain.LockedPackage{Version: pkg.Version, Digest: pkg.Digest}
	}
	return lock, nil
}

// SaveLock writes the lockfile to path atomically.
func (l *Loader) SaveLock(path string, lock *domain.Lockfile) error {
	dto := LockfileDTO{
		Version:  domain.LockfileVersion,
		Sources:  make(map[string]LockedSourceDTO, len(lock.Sources)),
		Packages: make(map[string]LockedPackageDTO, len(lock.Packages)),
	}
	for url, src := range lock.Sources {
		dto.Sources[url] = LockedSourceDTO{Version: src.Version, Commit: src.Commit}
	}
	for name, pkg := range lock.Packages {
		dto.Packages[name] = LockedPackageDTO{Version: pkg.Version, Digest: pkg.Digest}
	}

	data, err := yaml.Marshal(dto)
	if err != nil {
		return zerr.Wrap(err, "failed to marshal lockfile")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create lockfile directory"), "path", dir)
	}
	tmp, err := os.CreateTemp(dir, ".stagehand-lock-*")
	if err != nil {
		return zerr.Wrap(err, "failed to create temporary lockfile")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Already renamed on success

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return zerr.Wrap(err, "failed to write lockfile")
	}
	if err := tmp.Close(); err != nil {
		return zerr.Wrap(err, "failed to write lockfile")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to replace lockfile"), "path", path)
	}
	return nil
}
