// Package docker implements a backend that builds stages as container images.
package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	// DockerfileName is the name of the rendered build file inside the build context.
	DockerfileName = "Dockerfile"

	sourcesDir = "sources"
	contextDir = "context"
)

var _ ports.Renderer = (*Renderer)(nil)

// Renderer turns stages into single-stage Dockerfiles.
type Renderer struct{}

// NewRenderer creates a new Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render returns the Dockerfile of every stage in pipeline order. Earlier stages are
// referenced by the image name they would be tagged with.
func (r *Renderer) Render(p *domain.Pipeline, cfg domain.BuildConfig, lock *domain.Lockfile) ([]domain.RenderedStage, error) {
	images := make(map[string]string, p.Len())
	out := make([]domain.RenderedStage, 0, p.Len())
	for _, s := range p.Walk() {
		pl, err := plan(p, s, cfg, lock, images)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RenderedStage{Stage: s.Name, Dockerfile: pl.Dockerfile()})
		images[s.Name] = StageImage(p.Name, s.Name)
	}
	return out, nil
}

// StageImage returns the local image name used to refer to an unbuilt stage.
func StageImage(pipeline, stage string) string {
	return "stagehand/" + pipeline + ":" + stage
}

// step is one Dockerfile instruction and the stage instruction it came from.
type step struct {
	text string
	kind domain.InstructionKind
}

// fetchSource is a source checkout placed into the build context before building.
type fetchSource struct {
	dep  domain.PinnedDependency
	path string
}

// buildPlan is everything needed to build one stage with the engine.
type buildPlan struct {
	steps   []step
	sources []fetchSource
	context []string
}

// Dockerfile renders the plan.
func (b *buildPlan) Dockerfile() string {
	var sb strings.Builder
	for _, s := range b.steps {
		sb.WriteString(s.text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// KindAt returns the stage instruction behind the n-th engine step, counting from one.
// Comments are not steps.
func (b *buildPlan) KindAt(n int) (domain.InstructionKind, bool) {
	i := 0
	for _, s := range b.steps {
		if strings.HasPrefix(s.text, "#") {
			continue
		}
		i++
		if i == n {
			return s.kind, s.kind != ""
		}
	}
	return "", false
}

type planner struct {
	plan   *buildPlan
	cfg    domain.BuildConfig
	lock   *domain.Lockfile
	images map[string]string
	user   string
}

func (pl *planner) emit(kind domain.InstructionKind, format string, args ...any) {
	pl.plan.steps = append(pl.plan.steps, step{text: fmt.Sprintf(format, args...), kind: kind})
}

// plan renders one stage. images maps earlier stage names to the image they are built as.
func plan(p *domain.Pipeline, s *domain.Stage, cfg domain.BuildConfig, lock *domain.Lockfile, images map[string]string) (*buildPlan, error) {
	pl := &planner{plan: &buildPlan{}, cfg: cfg, lock: lock, images: images, user: domain.RootUser}

	base := s.Base
	if name, ok := s.BaseStage(); ok {
		img, ok := images[name]
		if !ok {
			return nil, domain.Annotate(domain.ErrForwardReference, "reference", name)
		}
		base = img
		pl.user = inheritedUser(p, name)
	}
	pl.emit("", "# %s/%s", p.Name, s.Name)
	pl.emit("", "FROM %s", base)

	for i, in := range s.Instructions {
		if err := pl.instruction(i, in); err != nil {
			err = zerr.With(err, "instruction", string(in.Kind()))
			return nil, zerr.With(zerr.With(err, "stage", s.Name), "pipeline", p.Name)
		}
	}
	pl.emit("", "LABEL %s=%s %s=%s",
		domain.LabelPipeline, strconv.Quote(p.Name),
		domain.LabelStage, strconv.Quote(s.Name))
	return pl.plan, nil
}

// inheritedUser returns the user the named stage leaves active.
func inheritedUser(p *domain.Pipeline, stage string) string {
	user := domain.RootUser
	for _, s := range p.Lineage(stage) {
		for _, in := range s.Instructions {
			if v, ok := in.(domain.SwitchUser); ok {
				user = v.Name
			}
		}
	}
	return user
}

func (pl *planner) instruction(i int, in domain.Instruction) error {
	kind := in.Kind()
	switch v := in.(type) {
	case domain.Fetch:
		src := path.Join(sourcesDir, strconv.Itoa(i)+"-"+v.Source.Name())
		pl.plan.sources = append(pl.plan.sources, fetchSource{dep: v.Source, path: src})
		if commit, ok := pl.lock.LockedCommit(v.Source); ok {
			pl.emit("", "# %s (%s)", v.Source.String(), commit)
		} else {
			pl.emit("", "# %s", v.Source.String())
		}
		pl.emit(kind, "COPY %s %s", src, v.Dest)
	case domain.Compile:
		buildType := v.BuildType
		if buildType == "" {
			buildType = "Release"
		}
		pl.emit(kind, "RUN cd %s && cmake -DCMAKE_BUILD_TYPE=%s . && make -j%d %s",
			v.Dir, buildType, pl.cfg.Jobs(v), v.Target)
	case domain.Run:
		if v.Dir != "" {
			pl.emit(kind, "RUN cd %s && %s", v.Dir, shellJoin(v.Args))
		} else {
			pl.emit(kind, "RUN %s", execForm(v.Args))
		}
	case domain.SetEnv:
		pl.emit(kind, "ENV %s=%s", v.Key, strconv.Quote(v.Value))
	case domain.ConfigureSystem:
		pl.system(v)
	case domain.InstallPackages:
		return pl.packages(v)
	case domain.InstallToolchain:
		pl.toolchain(v)
	case domain.CreateUser:
		pl.createUser(v)
	case domain.SwitchUser:
		pl.user = v.Name
		pl.emit(kind, "USER %s", v.Name)
	case domain.ExtendPath:
		pl.emit(kind, "ENV PATH=\"${PATH}:%s\"", strings.Join(v.Dirs, ":"))
	case domain.Copy:
		if v.From.FromContext() {
			src := path.Join(contextDir, v.From.Path)
			pl.plan.context = append(pl.plan.context, v.From.Path)
			pl.emit(kind, "COPY %s %s", src, v.Dest)
			return nil
		}
		img, ok := pl.images[v.From.Stage]
		if !ok {
			return domain.Annotate(domain.ErrForwardReference, "reference", v.From.Stage)
		}
		pl.emit(kind, "COPY --from=%s %s %s", img, v.From.Path, v.Dest)
	case domain.Mkdir:
		pl.mkdir(v)
	case domain.Verify:
		pl.emit(kind, "RUN %s", execForm([]string{"test", "-e", v.Path}))
	case domain.Expose:
		ports := make([]string, 0, len(v.Ports))
		for _, p := range v.Ports {
			proto := p.Proto
			if proto == "" {
				proto = "tcp"
			}
			port, err := nat.NewPort(proto, strconv.Itoa(p.Number))
			if err != nil {
				return zerr.With(zerr.Wrap(err, "invalid port"), "port", p.String())
			}
			ports = append(ports, string(port))
		}
		pl.emit(kind, "EXPOSE %s", strings.Join(ports, " "))
	case domain.Entrypoint:
		pl.emit(kind, "ENTRYPOINT %s", execForm(v.Args))
	case domain.Cmd:
		pl.emit(kind, "CMD %s", execForm(v.Args))
	case domain.Workdir:
		pl.emit(kind, "WORKDIR %s", v.Path)
	default:
		return domain.Annotate(domain.ErrInvalidInstruction, "instruction", string(kind))
	}
	return nil
}

func (pl *planner) system(in domain.ConfigureSystem) {
	for _, s := range in.Settings {
		switch s {
		case domain.SettingNonInteractive:
			if pl.cfg.NonInteractive() {
				pl.emit(in.Kind(), "ENV DEBIAN_FRONTEND=noninteractive")
			}
		case domain.SettingTimezone:
			pl.emit(in.Kind(), "ENV TZ=%s", pl.cfg.Timezone())
			pl.asRoot(in.Kind(), "RUN ln -snf /usr/share/zoneinfo/$TZ /etc/localtime && echo $TZ > /etc/timezone")
		case domain.SettingLocale:
			pl.emit(in.Kind(), "ENV LANG=%s LC_ALL=%s", pl.cfg.Locale(), pl.cfg.Locale())
		}
	}
}

// packages installs the closed package list. Locked packages are pinned to their
// version; with a strict lock an unlocked package is an error.
func (pl *planner) packages(in domain.InstallPackages) error {
	if pl.cfg.StrictLock() {
		if err := pl.lock.VerifyPackages(in.Names); err != nil {
			return errors.Join(domain.ErrInstallFailed, err)
		}
	}
	specs := make([]string, 0, len(in.Names))
	for _, name := range in.Names {
		if version, ok := pl.lock.PackageVersion(name); ok {
			specs = append(specs, name+"="+version)
			continue
		}
		specs = append(specs, name)
	}
	pl.asRoot(in.Kind(), "RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*",
		strings.Join(specs, " "))
	return nil
}

func (pl *planner) toolchain(in domain.InstallToolchain) {
	if in.Installer != "rustup" {
		pl.emit(in.Kind(), "RUN %s", execForm(append([]string{in.Installer, "install", in.Version}, in.Components...)))
		return
	}
	cmd := "rustup toolchain install " + in.Version
	for _, c := range in.Components {
		cmd += " --component " + c
	}
	pl.emit(in.Kind(), "RUN %s && rustup default %s", cmd, in.Version)
}

func (pl *planner) createUser(in domain.CreateUser) {
	shell := in.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := fmt.Sprintf("groupadd --gid %d %s && useradd --uid %d --gid %d --create-home --home-dir %s --shell %s %s",
		in.GID, in.Name, in.UID, in.GID, in.Home, shell, in.Name)
	if in.Sudo {
		file := "/etc/sudoers.d/" + in.Name
		cmd += fmt.Sprintf(" && echo '%s ALL=(ALL) NOPASSWD:ALL' > %s", in.Name, file)
		for _, key := range in.PreserveEnv {
			cmd += fmt.Sprintf(" && echo 'Defaults:%s env_keep += \"%s\"' >> %s", in.Name, key, file)
		}
		cmd += " && chmod 0440 " + file
	}
	pl.asRoot(in.Kind(), "RUN %s", cmd)
}

func (pl *planner) mkdir(in domain.Mkdir) {
	if in.Owner == "" || in.Owner == pl.user {
		pl.emit(in.Kind(), "RUN %s", execForm([]string{"mkdir", "-p", in.Path}))
		return
	}
	pl.asRoot(in.Kind(), "RUN mkdir -p %s && chown %s:%s %s", in.Path, in.Owner, in.Owner, in.Path)
}

// asRoot emits a step that needs the root identity, switching back afterwards.
func (pl *planner) asRoot(kind domain.InstructionKind, format string, args ...any) {
	if pl.user == domain.RootUser {
		pl.emit(kind, format, args...)
		return
	}
	pl.emit(kind, "USER %s", domain.RootUser)
	pl.emit(kind, format, args...)
	pl.emit(kind, "USER %s", pl.user)
}

func execForm(args []string) string {
	data, _ := json.Marshal(args) //nolint:errchkjson // a string slice always marshals
	return string(data)
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n'\"\\$`&|;<>()*?[]{}~!#") {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
