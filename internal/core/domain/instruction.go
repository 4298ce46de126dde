package domain

import (
	"path"
	"strconv"
	"strings"

	"go.trai.ch/zerr"
)

// InstructionKind names the type of a single stage step.
type InstructionKind string

const (
	KindFetch      InstructionKind = "fetch"
	KindCompile    InstructionKind = "compile"
	KindRun        InstructionKind = "run"
	KindEnv        InstructionKind = "env"
	KindSystem     InstructionKind = "system"
	KindPackages   InstructionKind = "packages"
	KindToolchain  InstructionKind = "toolchain"
	KindUser       InstructionKind = "user"
	KindAs         InstructionKind = "as"
	KindPath       InstructionKind = "path"
	KindCopy       InstructionKind = "copy"
	KindMkdir      InstructionKind = "mkdir"
	KindVerify     InstructionKind = "verify"
	KindExpose     InstructionKind = "expose"
	KindEntrypoint InstructionKind = "entrypoint"
	KindCmd        InstructionKind = "cmd"
	KindWorkdir    InstructionKind = "workdir"
)

// Instruction is a single side-effecting step of a stage.
// Instructions run strictly in order and are never skipped or retried.
type Instruction interface {
	// Kind returns the instruction type.
	Kind() InstructionKind

	// Canonical returns the instruction fields in a stable order, used for hashing.
	Canonical() []string

	// Validate reports a missing or malformed field.
	Validate() error
}

// Fetch retrieves a pinned source checkout into Dest.
type Fetch struct {
	Source PinnedDependency
	Dest   string
}

// Compile configures a build system for BuildType and builds Target in parallel.
// Jobs of zero means "use BuildConfig.Parallelism".
type Compile struct {
	Dir       string
	BuildType string
	Target    string
	Jobs      int
}

// Run executes an arbitrary command in exec form.
type Run struct {
	Args []string
	Dir  string
}

// SetEnv asserts an environment variable for the remaining steps and the image.
type SetEnv struct {
	Key   string
	Value string
}

// SystemSetting names a piece of BuildConfig applied by a system step.
type SystemSetting string

const (
	SettingNonInteractive SystemSetting = "noninteractive"
	SettingTimezone       SystemSetting = "timezone"
	SettingLocale         SystemSetting = "locale"
)

// ConfigureSystem applies settings taken from the immutable BuildConfig.
type ConfigureSystem struct {
	Settings []SystemSetting
}

// InstallPackages installs a closed list of system packages.
type InstallPackages struct {
	Names []string
}

// InstallToolchain installs a pinned compiler toolchain and its components.
type InstallToolchain struct {
	Installer  string
	Version    string
	Components []string
}

// CreateUser creates an unprivileged user and matching group.
type CreateUser struct {
	Name        string
	UID         int
	GID         int
	Home        string
	Shell       string
	Sudo        bool
	PreserveEnv []string
}

// SwitchUser changes the default execution identity.
type SwitchUser struct {
	Name string
}

// ExtendPath appends directories to the executable search path.
type ExtendPath struct {
	Dirs []string
}

// Copy imports an artifact into the stage, overwriting Dest.
type Copy struct {
	From ArtifactHandle
	Dest string
}

// Mkdir creates a directory owned by Owner.
type Mkdir struct {
	Path  string
	Owner string
}

// Verify checks that Path exists. It has no effect on success.
type Verify struct {
	Path string
}

// Expose declares ports the packaged service listens on.
type Expose struct {
	Ports []Port
}

// Entrypoint sets the exec-form entrypoint of the image.
type Entrypoint struct {
	Args []string
}

// Cmd sets the exec-form default command of the image.
type Cmd struct {
	Args []string
}

// Workdir sets the working directory for later steps and the image.
type Workdir struct {
	Path string
}

func (Fetch) Kind() InstructionKind            { return KindFetch }
func (Compile) Kind() InstructionKind          { return KindCompile }
func (Run) Kind() InstructionKind              { return KindRun }
func (SetEnv) Kind() InstructionKind           { return KindEnv }
func (ConfigureSystem) Kind() InstructionKind  { return KindSystem }
func (InstallPackages) Kind() InstructionKind  { return KindPackages }
func (InstallToolchain) Kind() InstructionKind { return KindToolchain }
func (CreateUser) Kind() InstructionKind       { return KindUser }
func (SwitchUser) Kind() InstructionKind       { return KindAs }
func (ExtendPath) Kind() InstructionKind       { return KindPath }
func (Copy) Kind() InstructionKind             { return KindCopy }
func (Mkdir) Kind() InstructionKind            { return KindMkdir }
func (Verify) Kind() InstructionKind           { return KindVerify }
func (Expose) Kind() InstructionKind           { return KindExpose }
func (Entrypoint) Kind() InstructionKind       { return KindEntrypoint }
func (Cmd) Kind() InstructionKind              { return KindCmd }
func (Workdir) Kind() InstructionKind          { return KindWorkdir }

func (i Fetch) Canonical() []string {
	return []string{i.Source.URL, i.Source.Version, i.Dest}
}

func (i Compile) Canonical() []string {
	return []string{i.Dir, i.BuildType, i.Target, strconv.Itoa(i.Jobs)}
}

func (i Run) Canonical() []string {
	return append([]string{i.Dir}, i.Args...)
}

func (i SetEnv) Canonical() []string {
	return []string{i.Key, i.Value}
}

func (i ConfigureSystem) Canonical() []string {
	out := make([]string, len(i.Settings))
	for n, s := range i.Settings {
		out[n] = string(s)
	}
	return out
}

func (i InstallPackages) Canonical() []string {
	return append([]string(nil), i.Names...)
}

func (i InstallToolchain) Canonical() []string {
	return append([]string{i.Installer, i.Version}, i.Components...)
}

func (i CreateUser) Canonical() []string {
	out := []string{
		i.Name,
		strconv.Itoa(i.UID),
		strconv.Itoa(i.GID),
		i.Home,
		i.Shell,
		strconv.FormatBool(i.Sudo),
	}
	return append(out, i.PreserveEnv...)
}

func (i SwitchUser) Canonical() []string { return []string{i.Name} }

func (i ExtendPath) Canonical() []string { return append([]string(nil), i.Dirs...) }

func (i Copy) Canonical() []string {
	return []string{i.From.Stage, i.From.Path, i.Dest}
}

func (i Mkdir) Canonical() []string { return []string{i.Path, i.Owner} }

func (i Verify) Canonical() []string { return []string{i.Path} }

func (i Expose) Canonical() []string {
	out := make([]string, len(i.Ports))
	for n, p := range i.Ports {
		out[n] = p.String()
	}
	return out
}

func (i Entrypoint) Canonical() []string { return append([]string(nil), i.Args...) }

func (i Cmd) Canonical() []string { return append([]string(nil), i.Args...) }

func (i Workdir) Canonical() []string { return []string{i.Path} }

func (i Fetch) Validate() error {
	if i.Source.URL == "" || i.Source.Version == "" {
		return invalid(i, "source")
	}
	return requireAbs(i, i.Dest)
}

func (i Compile) Validate() error {
	if i.Target == "" {
		return invalid(i, "target")
	}
	if i.Jobs < 0 {
		return invalid(i, "jobs")
	}
	return requireAbs(i, i.Dir)
}

func (i Run) Validate() error {
	if len(i.Args) == 0 {
		return invalid(i, "args")
	}
	return nil
}

func (i SetEnv) Validate() error {
	if i.Key == "" || strings.Contains(i.Key, "=") {
		return invalid(i, "key")
	}
	return nil
}

func (i ConfigureSystem) Validate() error {
	if len(i.Settings) == 0 {
		return invalid(i, "settings")
	}
	for _, s := range i.Settings {
		switch s {
		case SettingNonInteractive, SettingTimezone, SettingLocale:
		default:
			return zerr.With(invalid(i, "settings"), "setting", string(s))
		}
	}
	return nil
}

func (i InstallPackages) Validate() error {
	if len(i.Names) == 0 {
		return invalid(i, "names")
	}
	return nil
}

func (i InstallToolchain) Validate() error {
	if i.Installer == "" {
		return invalid(i, "installer")
	}
	if i.Version == "" {
		return invalid(i, "version")
	}
	return nil
}

func (i CreateUser) Validate() error {
	if i.Name == "" || i.Name == RootUser {
		return invalid(i, "name")
	}
	if i.UID <= 0 || i.GID <= 0 {
		return invalid(i, "uid")
	}
	return nil
}

func (i SwitchUser) Validate() error {
	if i.Name == "" {
		return invalid(i, "name")
	}
	return nil
}

func (i ExtendPath) Validate() error {
	if len(i.Dirs) == 0 {
		return invalid(i, "dirs")
	}
	return nil
}

func (i Copy) Validate() error {
	if i.From.Path == "" {
		return invalid(i, "from")
	}
	return requireAbs(i, i.Dest)
}

func (i Mkdir) Validate() error { return requireAbs(i, i.Path) }

func (i Verify) Validate() error { return requireAbs(i, i.Path) }

func (i Expose) Validate() error {
	if len(i.Ports) == 0 {
		return invalid(i, "ports")
	}
	for _, p := range i.Ports {
		if p.Number <= 0 || p.Number > 65535 {
			return zerr.With(invalid(i, "ports"), "port", p.Number)
		}
	}
	return nil
}

func (i Entrypoint) Validate() error {
	if len(i.Args) == 0 || i.Args[0] == "" {
		return Annotate(ErrEmptyEntrypoint, "instruction", string(i.Kind()))
	}
	return nil
}

func (i Cmd) Validate() error {
	if len(i.Args) == 0 || i.Args[0] == "" {
		return Annotate(ErrEmptyEntrypoint, "instruction", string(i.Kind()))
	}
	return nil
}

func (i Workdir) Validate() error { return requireAbs(i, i.Path) }

func invalid(i Instruction, field string) error {
	return zerr.With(Annotate(ErrInvalidInstruction, "instruction", string(i.Kind())), "field", field)
}

func requireAbs(i Instruction, p string) error {
	if p == "" || !path.IsAbs(p) {
		return zerr.With(invalid(i, "path"), "path", p)
	}
	return nil
}

// Describe renders an instruction as a short human-readable line.
func Describe(i Instruction) string {
	return strings.TrimSpace(string(i.Kind()) + " " + strings.Join(i.Canonical(), " "))
}
