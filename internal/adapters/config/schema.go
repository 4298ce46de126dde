package config

import "gopkg.in/yaml.v3"

// Projectfile represents the structure of the stagehand.yaml configuration file.
type Projectfile struct {
	Version   string                 `yaml:"version"`
	Backend   string                 `yaml:"backend"`
	Context   string                 `yaml:"context"`
	State     string                 `yaml:"state"`
	Lockfile  string                 `yaml:"lockfile"`
	Build     BuildDTO               `yaml:"build"`
	Pipelines map[string]PipelineDTO `yaml:"pipelines"`
}

// BuildDTO represents the build session settings.
type BuildDTO struct {
	NonInteractive *bool  `yaml:"nonInteractive"`
	Locale         string `yaml:"locale"`
	Timezone       string `yaml:"timezone"`
	Parallelism    int    `yaml:"parallelism"`
	StrictLock     bool   `yaml:"strictLock"`
}

// PipelineDTO represents a pipeline definition in the configuration.
type PipelineDTO struct {
	Output string     `yaml:"output"`
	Stages []StageDTO `yaml:"stages"`
}

// StageDTO represents a stage definition. Steps are one-key maps decoded by kind.
type StageDTO struct {
	Name    string      `yaml:"name"`
	From    string      `yaml:"from"`
	Outputs []string    `yaml:"outputs"`
	Steps   []yaml.Node `yaml:"steps"`
}

// FetchDTO is the body of a fetch step.
type FetchDTO struct {
	URL     string `yaml:"url"`
	Version string `yaml:"version"`
	Dest    string `yaml:"dest"`
}

// CompileDTO is the body of a compile step.
type CompileDTO struct {
	Dir       string `yaml:"dir"`
	BuildType string `yaml:"buildType"`
	Target    string `yaml:"target"`
	Jobs      int    `yaml:"jobs"`
}

// RunDTO is the mapping form of a run step.
type RunDTO struct {
	Args []string `yaml:"args"`
	Dir  string   `yaml:"dir"`
}

// ToolchainDTO is the body of a toolchain step.
type ToolchainDTO struct {
	Installer  string   `yaml:"installer"`
	Version    string   `yaml:"version"`
	Components []string `yaml:"components"`
}

// UserDTO is the body of a user step.
type UserDTO struct {
	Name        string   `yaml:"name"`
	UID         int      `yaml:"uid"`
	GID         int      `yaml:"gid"`
	Home        string   `yaml:"home"`
	Shell       string   `yaml:"shell"`
	Sudo        bool     `yaml:"sudo"`
	PreserveEnv []string `yaml:"preserveEnv"`
}

// CopyDTO is the body of a copy step.
type CopyDTO struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// MkdirDTO is the mapping form of a mkdir step.
type MkdirDTO struct {
	Path  string `yaml:"path"`
	Owner string `yaml:"owner"`
}

// LockfileDTO represents the structure of the stagehand.lock file.
type LockfileDTO struct {
	Version  int                         `yaml:"version"`
	Sources  map[string]LockedSourceDTO  `yaml:"sources,omitempty"`
	Packages map[string]LockedPackageDTO `yaml:"packages,omitempty"`
}

// LockedSourceDTO is a locked source entry.
type LockedSourceDTO struct {
	Version string `yaml:"version"`
	Commit  string `yaml:"commit"`
}

// LockedPackageDTO is a locked package entry.
type LockedPackageDTO struct {
	Version string `yaml:"version"`
	Digest  string `yaml:"digest,omitempty"`
}
