package config_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/stagehand/internal/adapters/config"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports/mocks"
	"go.trai.ch/zerr"
	"go.uber.org/mock/gomock"
)

const ciProject = `
version: "1"
backend: docker
context: ../src
build:
  parallelism: 3
  locale: en_US.UTF-8
pipelines:
  ci:
    output: ci:latest
    stages:
      - name: flatc
        from: rust:slim-buster
        outputs: [/flatbuffers/flatc]
        steps:
          - fetch:
              url: https://github.com/google/flatbuffers.git
              version: v1.12.0
              dest: /flatbuffers
          - compile:
              dir: /flatbuffers
              buildType: Release
              target: flatc
      - name: env
        from: rust:slim-buster
        steps:
          - copy: {from: "flatc:/flatbuffers/flatc", to: /usr/bin/flatc}
          - system: [noninteractive]
          - packages: [git, curl]
          - env: {CARGO_HOME: /usr/local/cargo, RUSTUP_HOME: /usr/local/rustup}
          - toolchain: {installer: rustup, version: nightly-2020-11-19, components: [rustfmt, clippy]}
          - user: {name: rust, uid: 1500, sudo: true, preserveEnv: [DEBIAN_FRONTEND]}
          - as: rust
          - path: [/home/rust/.local/bin, /home/rust/bin]
          - expose: ["8080", "8082/udp", "9000-9001"]
          - run: [cargo, --version]
          - mkdir: /home/rust/.cache
          - cmd: [/bin/bash]
`

func writeProject(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stagehand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newLoader(t *testing.T) *config.Loader {
	t.Helper()
	ctrl := gomock.NewController(t)
	log := mocks.NewMockLogger(ctrl)
	log.EXPECT().Warn(gomock.Any()).AnyTimes()
	return config.NewLoader(log)
}

func TestLoad_Success(t *testing.T) {
	path := writeProject(t, ciProject)

	proj, err := newLoader(t).Load(path)
	require.NoError(t, err)

	assert.Equal(t, domain.BackendDocker, proj.Backend)
	assert.Equal(t, filepath.Join(filepath.Dir(path), domain.StateDirName), proj.StateDir)
	assert.Equal(t, filepath.Join(filepath.Dir(path), domain.LockFileName), proj.LockPath)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "..", "src"), proj.Config.ContextDir())
	assert.Equal(t, 3, proj.Config.Parallelism())
	assert.Equal(t, "en_US.UTF-8", proj.Config.Locale())
	assert.Equal(t, "Etc/UTC", proj.Config.Timezone())
	assert.True(t, proj.Config.NonInteractive())

	p, ok := proj.Pipeline("ci")
	require.True(t, ok)
	assert.Equal(t, "ci:latest", p.Output)
	require.Equal(t, 2, p.Len())

	flatc, ok := p.Stage("flatc")
	require.True(t, ok)
	assert.Equal(t, []domain.Instruction{
		domain.Fetch{
			Source: domain.PinnedDependency{URL: "https://github.com/google/flatbuffers.git", Version: "v1.12.0"},
			Dest:   "/flatbuffers",
		},
		domain.Compile{Dir: "/flatbuffers", BuildType: "Release", Target: "flatc"},
	}, flatc.Instructions)

	env, ok := p.Stage("env")
	require.True(t, ok)
	kinds := make([]domain.InstructionKind, 0, len(env.Instructions))
	for _, in := range env.Instructions {
		kinds = append(kinds, in.Kind())
	}
	assert.Equal(t, []domain.InstructionKind{
		domain.KindCopy, domain.KindSystem, domain.KindPackages, domain.KindEnv, domain.KindEnv,
		domain.KindToolchain, domain.KindUser, domain.KindAs, domain.KindPath, domain.KindExpose,
		domain.KindRun, domain.KindMkdir, domain.KindCmd,
	}, kinds)

	assert.Equal(t, domain.Copy{
		From: domain.ArtifactHandle{Stage: "flatc", Path: "/flatbuffers/flatc"},
		Dest: "/usr/bin/flatc",
	}, env.Instructions[0])
	assert.Equal(t, domain.SetEnv{Key: "CARGO_HOME", Value: "/usr/local/cargo"}, env.Instructions[3])
	assert.Equal(t, domain.CreateUser{
		Name: "rust", UID: 1500, GID: 1500, Home: "/home/rust", Sudo: true,
		PreserveEnv: []string{"DEBIAN_FRONTEND"},
	}, env.Instructions[6])
	assert.Equal(t, domain.Expose{Ports: []domain.Port{
		{Number: 8080, Proto: "tcp"},
		{Number: 8082, Proto: "udp"},
		{Number: 9000, Proto: "tcp"},
		{Number: 9001, Proto: "tcp"},
	}}, env.Instructions[9])
}

func TestLoad_DefaultsBaseToScratch(t *testing.T) {
	path := writeProject(t, `
pipelines:
  tiny:
    stages:
      - name: only
        steps:
          - entrypoint: [/app]
`)
	proj, err := newLoader(t).Load(path)
	require.NoError(t, err)

	p, ok := proj.Pipeline("tiny")
	require.True(t, ok)
	assert.Equal(t, "tiny:latest", p.Output)
	assert.Equal(t, domain.ScratchBase, p.Final().Base)
	assert.Equal(t, domain.BackendSnapshot, proj.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := newLoader(t).Load(filepath.Join(t.TempDir(), "stagehand.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
		wantMsg string
	}{
		{
			name:    "invalid yaml",
			content: "pipelines: [",
			wantMsg: "failed to parse config file",
		},
		{
			name:    "unknown backend",
			content: "backend: podman\n",
			wantMsg: "unknown backend",
		},
		{
			name: "unknown step",
			content: `
pipelines:
  p:
    stages:
      - name: s
        steps:
          - teleport: somewhere
`,
			wantErr: domain.ErrInvalidInstruction,
		},
		{
			name: "step with two keys",
			content: `
pipelines:
  p:
    stages:
      - name: s
        steps:
          - {as: root, cmd: [sh]}
`,
			wantMsg: "exactly one key",
		},
		{
			name: "forward reference",
			content: `
pipelines:
  p:
    stages:
      - name: a
        from: stage:b
      - name: b
`,
			wantErr: domain.ErrForwardReference,
		},
		{
			name: "bad port",
			content: `
pipelines:
  p:
    stages:
      - name: s
        steps:
          - expose: ["http"]
`,
			wantMsg: "invalid port",
		},
		{
			name: "duplicate stage",
			content: `
pipelines:
  p:
    stages:
      - name: s
      - name: s
`,
			wantErr: domain.ErrStageAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newLoader(t).Load(writeProject(t, tt.content))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestLoad_StepErrorMetadata(t *testing.T) {
	path := writeProject(t, `
pipelines:
  p:
    stages:
      - name: s
        steps:
          - fetch: {url: https://example.com/x.git}
`)
	_, err := newLoader(t).Load(path)
	require.Error(t, err)

	var zErr *zerr.Error
	require.True(t, errors.As(err, &zErr))
	meta := zErr.Metadata()
	assert.Equal(t, "p", meta["pipeline"])
	assert.Equal(t, "s", meta["stage"])
	assert.Equal(t, "fetch", meta["step"])
}

func TestLoad_WarnsOnUnknownVersion(t *testing.T) {
	ctrl := gomock.NewController(t)
	log := mocks.NewMockLogger(ctrl)
	log.EXPECT().Warn(gomock.Any()).Times(1)

	_, err := config.NewLoader(log).Load(writeProject(t, "version: \"2\"\n"))
	require.NoError(t, err)
}

func TestLockfile_RoundTrip(t *testing.T) {
	loader := newLoader(t)
	path := filepath.Join(t.TempDir(), "nested", domain.LockFileName)

	missing, err := loader.LoadLock(path)
	require.NoError(t, err)
	assert.Empty(t, missing.Sources)

	lock := domain.NewLockfile()
	lock.SetSource(domain.PinnedDependency{URL: "https://github.com/google/flatbuffers.git", Version: "v1.12.0"}, "6df40a2471737b27271bdd9b900ab5f3aec746c7")
	lock.Packages["curl"] = domain.LockedPackage{Version: "7.64.0-4+deb10u2", Digest: "sha256:aa"}
	require.NoError(t, loader.SaveLock(path, lock))

	got, err := loader.LoadLock(path)
	require.NoError(t, err)
	assert.Equal(t, lock.Sources, got.Sources)
	assert.Equal(t, lock.Packages, got.Packages)
	assert.Equal(t, domain.LockfileVersion, got.Version)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLockfile_FutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), domain.LockFileName)
	require.NoError(t, os.WriteFile(path, []byte("version: 99\n"), 0o600))

	_, err := newLoader(t).LoadLock(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported lockfile version")
}
