package snapshot

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
)

const (
	rustupInstaller = "rustup"
	rustupHome      = "/usr/local/rustup"
	cargoHome       = "/usr/local/cargo"
)

// stageState is the mutable state of one stage build. It never outlives BuildStage.
type stageState struct {
	req      ports.StageRequest
	rootfs   string
	manifest *Manifest
	vertex   ports.Vertex
}

func (b *Backend) apply(ctx context.Context, st *stageState, in domain.Instruction) error {
	switch v := in.(type) {
	case domain.Fetch:
		return b.fetch(ctx, st, v)
	case domain.Compile:
		return b.compile(ctx, st, v)
	case domain.Run:
		return b.run(ctx, st, v)
	case domain.SetEnv:
		st.manifest.Env[v.Key] = v.Value
	case domain.ConfigureSystem:
		return b.configureSystem(st, v)
	case domain.InstallPackages:
		return b.installPackages(ctx, st, v)
	case domain.InstallToolchain:
		return b.installToolchain(ctx, st, v)
	case domain.CreateUser:
		return b.createUser(st, v)
	case domain.SwitchUser:
		st.manifest.User = v.Name
	case domain.ExtendPath:
		current, ok := st.manifest.Env["PATH"]
		if !ok {
			current = domain.DefaultPath
		}
		st.manifest.Env["PATH"] = strings.Join(append([]string{current}, v.Dirs...), ":")
	case domain.Copy:
		return b.copy(st, v)
	case domain.Mkdir:
		return b.mkdir(st, v.Path, v.Owner)
	case domain.Verify:
		return b.verifier.Require(st.rootfs, v.Path)
	case domain.Workdir:
		st.manifest.Workdir = v.Path
		return b.mkdir(st, v.Path, "")
	case domain.Expose, domain.Entrypoint, domain.Cmd:
		// Image metadata only; folded into the image config on publish.
	default:
		return domain.Annotate(domain.ErrInvalidInstruction, "instruction", string(in.Kind()))
	}
	return nil
}

func (b *Backend) fetch(ctx context.Context, st *stageState, in domain.Fetch) error {
	tmp, err := os.MkdirTemp("", "stagehand-fetch-")
	if err != nil {
		return errors.Join(domain.ErrFetchFailed, err)
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // Best effort cleanup

	checkout := filepath.Join(tmp, in.Source.Name())
	commit, err := b.fetcher.Fetch(ctx, in.Source, checkout, st.vertex.Stderr())
	if err != nil {
		return err
	}
	if err := st.req.Lock.VerifySource(in.Source, commit); err != nil {
		return err
	}

	dest := within(st.rootfs, in.Dest)
	if err := os.RemoveAll(dest); err != nil {
		return zerr.With(errors.Join(domain.ErrFetchFailed, err), "path", in.Dest)
	}
	if err := b.copier.Copy(checkout, dest); err != nil {
		return zerr.With(errors.Join(domain.ErrFetchFailed, err), "path", in.Dest)
	}
	st.manifest.Provenance[in.Source.URL] = commit
	b.logger.Info("fetched " + in.Source.String() + " at " + commit)
	return nil
}

func (b *Backend) compile(ctx context.Context, st *stageState, in domain.Compile) error {
	dir := within(st.rootfs, in.Dir)
	buildType := in.BuildType
	if buildType == "" {
		buildType = "Release"
	}
	jobs := st.req.Config.Jobs(in)

	steps := [][]string{
		{"cmake", "-DCMAKE_BUILD_TYPE=" + buildType, "."},
		{"make", "-j" + strconv.Itoa(jobs), in.Target},
	}
	for _, args := range steps {
		if err := b.exec(ctx, st, args, dir); err != nil {
			return zerr.With(errors.Join(domain.ErrCompileFailed, err), "target", in.Target)
		}
	}
	return nil
}

func (b *Backend) run(ctx context.Context, st *stageState, in domain.Run) error {
	dir := in.Dir
	if dir == "" {
		dir = st.manifest.Workdir
	}
	if err := b.exec(ctx, st, in.Args, within(st.rootfs, dir)); err != nil {
		return errors.Join(domain.ErrInstructionFailed, err)
	}
	return nil
}

func (b *Backend) exec(ctx context.Context, st *stageState, args []string, dir string) error {
	return b.execEnv(ctx, st, args, dir, st.manifest.Env)
}

func (b *Backend) execEnv(ctx context.Context, st *stageState, args []string, dir string, env map[string]string) error {
	return b.executor.Execute(ctx, domain.Command{
		Args:   args,
		Dir:    dir,
		Env:    env,
		Stdout: st.vertex.Stdout(),
		Stderr: st.vertex.Stderr(),
	})
}

func (b *Backend) configureSystem(st *stageState, in domain.ConfigureSystem) error {
	for k, v := range st.req.Config.Environment(in.Settings...) {
		st.manifest.Env[k] = v
	}
	for _, s := range in.Settings {
		var err error
		switch s {
		case domain.SettingTimezone:
			err = writeRootFile(st.rootfs, "/etc/timezone", st.req.Config.Timezone()+"\n", domain.FilePerm)
		case domain.SettingLocale:
			err = writeRootFile(st.rootfs, "/etc/default/locale", "LANG="+st.req.Config.Locale()+"\n", domain.FilePerm)
		}
		if err != nil {
			return errors.Join(domain.ErrInstructionFailed, err)
		}
	}
	return nil
}

// installPackages downloads the package archives with the host package manager and
// unpacks them into the root filesystem. Maintainer scripts never run. With a strict lock
// every package must be pinned before anything is downloaded.
func (b *Backend) installPackages(ctx context.Context, st *stageState, in domain.InstallPackages) error {
	if st.req.Config.StrictLock() {
		if err := st.req.Lock.VerifyPackages(in.Names); err != nil {
			return errors.Join(domain.ErrInstallFailed, err)
		}
	}

	tmp, err := os.MkdirTemp("", "stagehand-packages-")
	if err != nil {
		return errors.Join(domain.ErrInstallFailed, err)
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // Best effort cleanup

	args := []string{"apt-get", "download"}
	for _, name := range in.Names {
		if version, ok := st.req.Lock.PackageVersion(name); ok {
			name += "=" + version
		}
		args = append(args, name)
	}
	if err := b.exec(ctx, st, args, tmp); err != nil {
		return zerr.With(errors.Join(domain.ErrInstallFailed, err), "packages", strings.Join(in.Names, " "))
	}

	archives, err := filepath.Glob(filepath.Join(tmp, "*.deb"))
	if err != nil {
		return errors.Join(domain.ErrInstallFailed, err)
	}
	downloaded := make(map[string]string, len(archives))
	for _, a := range archives {
		name, version := archiveVersion(a)
		downloaded[name] = version
	}
	for _, name := range in.Names {
		if _, ok := downloaded[name]; !ok {
			return domain.Annotate(domain.ErrInstallFailed, "package", name)
		}
	}

	for _, a := range archives {
		if err := b.exec(ctx, st, []string{"dpkg-deb", "--extract", a, st.rootfs}, tmp); err != nil {
			return zerr.With(errors.Join(domain.ErrInstallFailed, err), "archive", filepath.Base(a))
		}
	}
	for _, name := range in.Names {
		st.manifest.Packages[name] = downloaded[name]
	}
	return nil
}

// archiveVersion splits a name_version_arch.deb file name. Epoch colons are escaped as %3a.
func archiveVersion(path string) (name, version string) {
	base := strings.TrimSuffix(filepath.Base(path), ".deb")
	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 {
		return base, ""
	}
	return parts[0], strings.ReplaceAll(parts[1], "%3a", ":")
}

// installToolchain installs a rustup toolchain with its homes inside the root filesystem.
func (b *Backend) installToolchain(ctx context.Context, st *stageState, in domain.InstallToolchain) error {
	if in.Installer != rustupInstaller {
		return domain.Annotate(domain.ErrInstallFailed, "installer", in.Installer)
	}

	env := maps.Clone(st.manifest.Env)
	env["RUSTUP_HOME"] = within(st.rootfs, rustupHome)
	env["CARGO_HOME"] = within(st.rootfs, cargoHome)

	args := []string{"rustup", "toolchain", "install", in.Version, "--profile", "minimal", "--no-self-update"}
	for _, c := range in.Components {
		args = append(args, "--component", c)
	}
	if err := b.execEnv(ctx, st, args, st.rootfs, env); err != nil {
		return zerr.With(errors.Join(domain.ErrInstallFailed, err), "toolchain", in.Version)
	}

	st.manifest.Toolchains = append(st.manifest.Toolchains, Toolchain{
		Installer:  in.Installer,
		Version:    in.Version,
		Components: slices.Clone(in.Components),
	})
	return nil
}

func (b *Backend) copy(st *stageState, in domain.Copy) error {
	src, err := b.source(st, in.From)
	if err != nil {
		return err
	}
	dest := within(st.rootfs, in.Dest)
	if err := os.RemoveAll(dest); err != nil {
		return zerr.With(errors.Join(domain.ErrInstructionFailed, err), "path", in.Dest)
	}
	if err := b.copier.Copy(src, dest); err != nil {
		return zerr.With(errors.Join(domain.ErrInstructionFailed, err), "path", in.Dest)
	}
	return nil
}

// source locates the file an artifact handle points to.
func (b *Backend) source(st *stageState, h domain.ArtifactHandle) (string, error) {
	if h.FromContext() {
		return b.resolver.Resolve(st.req.Config.ContextDir(), h.Path)
	}
	producer, ok := st.req.Imports[h.Stage]
	if !ok {
		return "", domain.Annotate(domain.ErrArtifactMissing, "artifact", h.String())
	}
	root := RootFS(producer.Ref)
	if err := b.verifier.Require(root, h.Path); err != nil {
		return "", zerr.With(err, "artifact", h.String())
	}
	return within(root, h.Path), nil
}

func (b *Backend) mkdir(st *stageState, p, owner string) error {
	dir := within(st.rootfs, p)
	if err := os.MkdirAll(dir, domain.DirPerm); err != nil {
		return zerr.With(errors.Join(domain.ErrInstructionFailed, err), "path", p)
	}
	if owner != "" {
		st.manifest.Owners[p] = owner
	}
	return nil
}

func writeRootFile(rootfs, p, content string, perm os.FileMode) error {
	path := within(rootfs, p)
	if err := os.MkdirAll(filepath.Dir(path), domain.DirPerm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", p)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to write file"), "path", p)
	}
	return nil
}
