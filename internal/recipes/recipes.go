// Package recipes defines the built-in pipelines used when no project file exists.
package recipes

import (
	"go.trai.ch/stagehand/internal/core/domain"
)

const (
	// CIPipeline builds the continuous integration environment image.
	CIPipeline = "ci"
	// RuntimePipeline packages the pre-built server binary.
	RuntimePipeline = "runtime"

	// BuildUser is the unprivileged user of both images.
	BuildUser = "rust"
	// BuildUID is the user and group ID of BuildUser.
	BuildUID = 1500

	// ServerBinary is the context path of the externally built server.
	ServerBinary = "target/release/influxdb_iox"

	// FlatcPath is where the toolchain stage leaves the schema compiler.
	FlatcPath = "/flatbuffers/flatc"
)

// Flatbuffers is the pinned source of the schema compiler.
var Flatbuffers = domain.PinnedDependency{
	URL:     "https://github.com/google/flatbuffers.git",
	Version: "v1.12.0",
}

// CIPackages is the closed package list of the CI environment.
var CIPackages = []string{
	"git", "locales", "sudo", "openssh-client", "ca-certificates", "tar", "gzip",
	"parallel", "unzip", "zip", "bzip2", "gnupg", "curl", "make", "pkg-config",
	"libssl-dev", "jq", "clang", "lld",
}

// CompilerPackages are the build prerequisites of the schema compiler.
var CompilerPackages = []string{"cmake", "make", "g++"}

// RuntimePackages are the shared libraries the server binary links against.
var RuntimePackages = []string{"libssl1.1", "libgcc1", "libc6"}

// Project returns a project holding both built-in pipelines. They start from
// registry images, so they build with the docker backend.
func Project() (*domain.Project, error) {
	proj := domain.NewProject()
	proj.Backend = domain.BackendDocker
	for _, build := range []func() (*domain.Pipeline, error){CI, Runtime} {
		p, err := build()
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

// CI returns the pipeline that compiles the schema compiler and assembles the CI image.
func CI() (*domain.Pipeline, error) {
	return CIFrom(Flatbuffers)
}

// CIFrom returns the CI pipeline with the schema compiler built from src.
func CIFrom(src domain.PinnedDependency) (*domain.Pipeline, error) {
	p := domain.NewPipeline(CIPipeline, "influxdb_iox_ci:latest")
	if err := p.AddStage(ToolchainBuilder(src)); err != nil {
		return nil, err
	}
	if err := p.AddStage(EnvironmentAssembler()); err != nil {
		return nil, err
	}
	return p, nil
}

// Runtime returns the pipeline that packages the server binary.
func Runtime() (*domain.Pipeline, error) {
	p := domain.NewPipeline(RuntimePipeline, "influxdb_iox:latest")
	if err := p.AddStage(ArtifactPackager()); err != nil {
		return nil, err
	}
	return p, nil
}

// ToolchainBuilder fetches the pinned source and compiles the schema compiler.
func ToolchainBuilder(src domain.PinnedDependency) *domain.Stage {
	return &domain.Stage{
		Name: "flatc",
		Base: "debian:buster",
		Instructions: []domain.Instruction{
			domain.Fetch{Source: src, Dest: "/flatbuffers"},
			domain.ConfigureSystem{Settings: []domain.SystemSetting{domain.SettingNonInteractive}},
			domain.InstallPackages{Names: CompilerPackages},
			domain.Compile{Dir: "/flatbuffers", BuildType: "Release", Target: "flatc"},
		},
		Outputs: []string{FlatcPath},
	}
}

// EnvironmentAssembler installs the CI toolchain on top of the compiled schema compiler.
func EnvironmentAssembler() *domain.Stage {
	return &domain.Stage{
		Name: "env",
		Base: "rust:slim-buster",
		Instructions: []domain.Instruction{
			domain.Copy{From: domain.ArtifactHandle{Stage: "flatc", Path: FlatcPath}, Dest: "/usr/bin/flatc"},
			domain.ConfigureSystem{Settings: []domain.SystemSetting{domain.SettingNonInteractive}},
			domain.InstallPackages{Names: CIPackages},
			domain.ConfigureSystem{Settings: []domain.SystemSetting{domain.SettingTimezone, domain.SettingLocale}},
			domain.InstallToolchain{
				Installer:  "rustup",
				Version:    "nightly-2020-11-19",
				Components: []string{"rustfmt", "clippy"},
			},
			domain.CreateUser{
				Name:        BuildUser,
				UID:         BuildUID,
				GID:         BuildUID,
				Home:        "/home/" + BuildUser,
				Shell:       "/bin/bash",
				Sudo:        true,
				PreserveEnv: []string{"DEBIAN_FRONTEND"},
			},
			domain.SwitchUser{Name: BuildUser},
			domain.ExtendPath{Dirs: []string{"/home/rust/.local/bin", "/home/rust/bin"}},
			domain.Cmd{Args: []string{"/bin/bash"}},
		},
	}
}

// ArtifactPackager copies the server binary into a minimal runtime image.
func ArtifactPackager() *domain.Stage {
	return &domain.Stage{
		Name: "runtime",
		Base: "debian:buster-slim",
		Instructions: []domain.Instruction{
			domain.InstallPackages{Names: RuntimePackages},
			domain.CreateUser{
				Name:  BuildUser,
				UID:   BuildUID,
				GID:   BuildUID,
				Home:  "/home/" + BuildUser,
				Shell: "/bin/bash",
			},
			domain.SwitchUser{Name: BuildUser},
			domain.Mkdir{Path: "/home/rust/.influxdb_iox", Owner: BuildUser},
			domain.Verify{Path: "/home/rust/.influxdb_iox"},
			domain.Copy{From: domain.ArtifactHandle{Path: ServerBinary}, Dest: "/usr/bin/influxdb_iox"},
			domain.Expose{Ports: []domain.Port{domain.TCP(8080), domain.TCP(8082)}},
			domain.Entrypoint{Args: []string{"/usr/bin/influxdb_iox"}},
		},
		Outputs: []string{"/usr/bin/influxdb_iox"},
	}
}
