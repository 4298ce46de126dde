package snapshot_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/stagehand/internal/adapters/fs"
	"go.trai.ch/stagehand/internal/adapters/snapshot"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/stagehand/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

const binary = "influxdb_iox release build"

var flatbuffers = domain.PinnedDependency{URL: "https://github.com/google/flatbuffers.git", Version: "v1.12.0"}

type fixture struct {
	backend  *snapshot.Backend
	executor *mocks.MockExecutor
	fetcher  *mocks.MockSourceFetcher
	state    string
	context  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	logger := mocks.NewMockLogger(ctrl)
	logger.EXPECT().Info(gomock.Any()).AnyTimes()

	f := &fixture{
		executor: mocks.NewMockExecutor(ctrl),
		fetcher:  mocks.NewMockSourceFetcher(ctrl),
		state:    t.TempDir(),
		context:  t.TempDir(),
	}
	f.backend = snapshot.NewBackend(
		f.executor,
		f.fetcher,
		fs.NewHasher(fs.NewWalker(), fs.NewResolver()),
		fs.NewResolver(),
		fs.NewCopier(),
		fs.NewVerifier(),
		logger,
	)
	return f
}

func (f *fixture) writeContext(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.context, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func (f *fixture) request(p *domain.Pipeline, stage string, cfg domain.BuildConfig) ports.StageRequest {
	s, _ := p.Stage(stage)
	return ports.StageRequest{
		Pipeline:  p,
		Stage:     s,
		Imports:   map[string]domain.StageResult{},
		Config:    cfg.WithContextDir(f.context),
		Lock:      domain.NewLockfile(),
		InputHash: "0123456789abcdef",
		StateDir:  f.state,
	}
}

func (f *fixture) assertNoSnapshots(t *testing.T, pipeline string) {
	t.Helper()
	entries, err := os.ReadDir(domain.StagesPath(f.state, pipeline))
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed stage must not leave a snapshot behind")
}

func pipelineOf(t *testing.T, name string, stages ...*domain.Stage) *domain.Pipeline {
	t.Helper()
	p := domain.NewPipeline(name, name+":latest")
	for _, s := range stages {
		require.NoError(t, p.AddStage(s))
	}
	return p
}

func runtimeStage() *domain.Stage {
	return &domain.Stage{
		Name: "runtime",
		Base: domain.ScratchBase,
		Instructions: []domain.Instruction{
			domain.InstallPackages{Names: []string{"libssl1.1", "libgcc1", "libc6"}},
			domain.CreateUser{Name: "rust", UID: 1500, GID: 1500, Home: "/home/rust"},
			domain.SwitchUser{Name: "rust"},
			domain.Mkdir{Path: "/home/rust/.influxdb_iox", Owner: "rust"},
			domain.Verify{Path: "/home/rust/.influxdb_iox"},
			domain.Copy{
				From: domain.ArtifactHandle{Path: "target/release/influxdb_iox"},
				Dest: "/usr/bin/influxdb_iox",
			},
			domain.Expose{Ports: []domain.Port{domain.TCP(8080), domain.TCP(8082)}},
			domain.Entrypoint{Args: []string{"/usr/bin/influxdb_iox"}},
		},
		Outputs: []string{"/usr/bin/influxdb_iox"},
	}
}

func toolchainStage() *domain.Stage {
	return &domain.Stage{
		Name: "flatc",
		Base: domain.ScratchBase,
		Instructions: []domain.Instruction{
			domain.Fetch{Source: flatbuffers, Dest: "/flatbuffers"},
			domain.Compile{Dir: "/flatbuffers", BuildType: "Release", Target: "flatc"},
		},
		Outputs: []string{"/flatbuffers/flatc"},
	}
}

// expectPackages stands in for the host package manager: downloads produce one archive per
// requested package and extraction leaves a marker file in the root filesystem.
func (f *fixture) expectPackages(t *testing.T) {
	t.Helper()
	f.executor.EXPECT().
		Execute(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, cmd domain.Command) error {
			switch cmd.Args[0] {
			case "apt-get":
				for _, name := range cmd.Args[2:] {
					archive := filepath.Join(cmd.Dir, name+"_1%3a1.0-1_amd64.deb")
					if err := os.WriteFile(archive, []byte(name), 0o600); err != nil {
						return err
					}
				}
			case "dpkg-deb":
				data, err := os.ReadFile(cmd.Args[2])
				if err != nil {
					return err
				}
				doc := filepath.Join(cmd.Args[3], "usr", "share", "doc", string(data))
				if err := os.MkdirAll(doc, 0o750); err != nil {
					return err
				}
				return os.WriteFile(filepath.Join(doc, "copyright"), data, 0o600)
			}
			return nil
		}).
		AnyTimes()
}

func readRoot(t *testing.T, ref, p string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(snapshot.RootFS(ref), filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(data)
}

func TestBackend_BuildStage_Runtime(t *testing.T) {
	f := newFixture(t)
	f.writeContext(t, "target/release/influxdb_iox", binary)
	f.expectPackages(t)
	p := pipelineOf(t, "runtime", runtimeStage())

	res, err := f.backend.BuildStage(context.Background(), f.request(p, "runtime", domain.DefaultBuildConfig()))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(domain.StagesPath(f.state, "runtime"), "runtime-0123456789abcdef"), res.Ref)
	assert.Equal(t, binary, readRoot(t, res.Ref, "/usr/bin/influxdb_iox"))
	assert.Contains(t, readRoot(t, res.Ref, "/etc/passwd"), "rust:x:1500:1500::/home/rust:/bin/sh\n")
	assert.Contains(t, readRoot(t, res.Ref, "/etc/group"), "rust:x:1500:\n")
	assert.DirExists(t, filepath.Join(snapshot.RootFS(res.Ref), "home", "rust", ".influxdb_iox"))
	assert.Equal(t, digest.FromString(binary).String(), res.Artifacts["/usr/bin/influxdb_iox"])
	assert.NotEmpty(t, res.Digest)

	manifest, err := snapshot.ReadManifest(res.Ref)
	require.NoError(t, err)
	assert.Equal(t, "rust", manifest.User)
	assert.Equal(t, "rust", manifest.Owners["/home/rust/.influxdb_iox"])
	assert.Equal(t, "1:1.0-1", manifest.Packages["libssl1.1"])
	assert.Equal(t, "libc6", readRoot(t, res.Ref, "/usr/share/doc/libc6/copyright"))

	exists, err := f.backend.Exists(context.Background(), res.Ref)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBackend_BuildStage_MissingBinary(t *testing.T) {
	f := newFixture(t)
	f.expectPackages(t)
	p := pipelineOf(t, "runtime", runtimeStage())

	_, err := f.backend.BuildStage(context.Background(), f.request(p, "runtime", domain.DefaultBuildConfig()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrArtifactMissing))
	f.assertNoSnapshots(t, "runtime")
}

func TestBackend_BuildStage_FetchAndCompile(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", toolchainStage())

	f.fetcher.EXPECT().
		Fetch(gomock.Any(), flatbuffers, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ domain.PinnedDependency, dest string, _ io.Writer) (string, error) {
			require.NoError(t, os.MkdirAll(dest, 0o750))
			require.NoError(t, os.WriteFile(filepath.Join(dest, "CMakeLists.txt"), []byte("project(flatbuffers)"), 0o600))
			return "6df40a2471737b27271bdd9b900ab5f3aec746c7", nil
		})

	var calls [][]string
	f.executor.EXPECT().
		Execute(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, cmd domain.Command) error {
			calls = append(calls, cmd.Args)
			if cmd.Args[0] == "make" {
				return os.WriteFile(filepath.Join(cmd.Dir, "flatc"), []byte("flatc"), 0o600)
			}
			return nil
		}).
		Times(2)

	cfg := domain.DefaultBuildConfig().WithParallelism(4)
	res, err := f.backend.BuildStage(context.Background(), f.request(p, "flatc", cfg))
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"cmake", "-DCMAKE_BUILD_TYPE=Release", "."},
		{"make", "-j4", "flatc"},
	}, calls)
	assert.Equal(t, "6df40a2471737b27271bdd9b900ab5f3aec746c7", res.Provenance[flatbuffers.URL])
	assert.Equal(t, digest.FromString("flatc").String(), res.Artifacts["/flatbuffers/flatc"])
	assert.Equal(t, "project(flatbuffers)", readRoot(t, res.Ref, "/flatbuffers/CMakeLists.txt"))
}

func TestBackend_BuildStage_CompileFailure(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", toolchainStage())

	f.fetcher.EXPECT().
		Fetch(gomock.Any(), flatbuffers, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ domain.PinnedDependency, dest string, _ io.Writer) (string, error) {
			return "6df40a2471737b27271bdd9b900ab5f3aec746c7", os.MkdirAll(dest, 0o750)
		})
	f.executor.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("exit status 1"))

	_, err := f.backend.BuildStage(context.Background(), f.request(p, "flatc", domain.DefaultBuildConfig()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCompileFailed))
	f.assertNoSnapshots(t, "ci")
}

func TestBackend_BuildStage_FetchFailure(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", toolchainStage())

	f.fetcher.EXPECT().
		Fetch(gomock.Any(), flatbuffers, gomock.Any(), gomock.Any()).
		Return("", errors.Join(domain.ErrFetchFailed, errors.New("repository not found")))

	_, err := f.backend.BuildStage(context.Background(), f.request(p, "flatc", domain.DefaultBuildConfig()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFetchFailed))
	f.assertNoSnapshots(t, "ci")
}

func TestBackend_BuildStage_LockMismatch(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", toolchainStage())

	f.fetcher.EXPECT().
		Fetch(gomock.Any(), flatbuffers, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ domain.PinnedDependency, dest string, _ io.Writer) (string, error) {
			return "moved", os.MkdirAll(dest, 0o750)
		})

	req := f.request(p, "flatc", domain.DefaultBuildConfig())
	req.Lock.SetSource(flatbuffers, "6df40a2471737b27271bdd9b900ab5f3aec746c7")

	_, err := f.backend.BuildStage(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockMismatch))
}

func TestBackend_BuildStage_StrictLock(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", &domain.Stage{
		Name:         "env",
		Base:         domain.ScratchBase,
		Instructions: []domain.Instruction{domain.InstallPackages{Names: []string{"git", "curl"}}},
	})

	req := f.request(p, "env", domain.DefaultBuildConfig().WithStrictLock(true))
	req.Lock.Packages["git"] = domain.LockedPackage{Version: "1:2.20.1-2+deb10u3"}

	_, err := f.backend.BuildStage(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPackageNotLocked))
	assert.True(t, errors.Is(err, domain.ErrInstallFailed))
}

func TestBackend_BuildStage_DerivedStage(t *testing.T) {
	f := newFixture(t)
	f.writeContext(t, "tool", "tool-bytes")

	producer := &domain.Stage{
		Name: "build",
		Base: domain.ScratchBase,
		Instructions: []domain.Instruction{
			domain.SetEnv{Key: "FOO", Value: "bar"},
			domain.Copy{From: domain.ArtifactHandle{Path: "tool"}, Dest: "/out/tool"},
		},
		Outputs: []string{"/out/tool"},
	}
	consumer := &domain.Stage{
		Name: "final",
		Base: domain.StageBasePrefix + "build",
		Instructions: []domain.Instruction{
			domain.Copy{From: domain.ArtifactHandle{Stage: "build", Path: "/out/tool"}, Dest: "/usr/bin/tool"},
			domain.ExtendPath{Dirs: []string{"/opt/bin"}},
		},
	}
	p := pipelineOf(t, "derived", producer, consumer)

	built, err := f.backend.BuildStage(context.Background(), f.request(p, "build", domain.DefaultBuildConfig()))
	require.NoError(t, err)

	req := f.request(p, "final", domain.DefaultBuildConfig())
	req.InputHash = "fedcba9876543210"
	req.Imports["build"] = built
	res, err := f.backend.BuildStage(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "tool-bytes", readRoot(t, res.Ref, "/out/tool"))
	assert.Equal(t, "tool-bytes", readRoot(t, res.Ref, "/usr/bin/tool"))
	assert.NoFileExists(t, filepath.Join(snapshot.RootFS(built.Ref), "usr", "bin", "tool"))

	manifest, err := snapshot.ReadManifest(res.Ref)
	require.NoError(t, err)
	assert.Equal(t, "bar", manifest.Env["FOO"])
	assert.Equal(t, domain.DefaultPath+":/opt/bin", manifest.Env["PATH"])
}

func TestBackend_BuildStage_SudoUser(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", &domain.Stage{
		Name: "env",
		Base: domain.ScratchBase,
		Instructions: []domain.Instruction{
			domain.CreateUser{
				Name: "rust", UID: 1500, GID: 1500, Home: "/home/rust", Shell: "/bin/bash",
				Sudo: true, PreserveEnv: []string{"DEBIAN_FRONTEND"},
			},
			domain.ConfigureSystem{Settings: []domain.SystemSetting{domain.SettingTimezone, domain.SettingLocale}},
		},
	})

	res, err := f.backend.BuildStage(context.Background(), f.request(p, "env", domain.DefaultBuildConfig()))
	require.NoError(t, err)

	assert.Equal(t,
		"rust ALL=(ALL) NOPASSWD:ALL\nDefaults:rust env_keep += \"DEBIAN_FRONTEND\"\n",
		readRoot(t, res.Ref, "/etc/sudoers.d/rust"))
	assert.Equal(t, "Etc/UTC\n", readRoot(t, res.Ref, "/etc/timezone"))
	assert.Equal(t, "LANG=C.UTF-8\n", readRoot(t, res.Ref, "/etc/default/locale"))
	assert.Contains(t, readRoot(t, res.Ref, "/etc/passwd"), "root:x:0:0:root:/root:/bin/sh\n")
}

func TestBackend_BuildStage_DuplicateUser(t *testing.T) {
	f := newFixture(t)
	user := domain.CreateUser{Name: "rust", UID: 1500, GID: 1500, Home: "/home/rust"}
	p := pipelineOf(t, "ci", &domain.Stage{
		Name:         "env",
		Base:         domain.ScratchBase,
		Instructions: []domain.Instruction{user, user},
	})

	_, err := f.backend.BuildStage(context.Background(), f.request(p, "env", domain.DefaultBuildConfig()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInstructionFailed))
}

func TestBackend_Exists_Missing(t *testing.T) {
	f := newFixture(t)

	exists, err := f.backend.Exists(context.Background(), filepath.Join(f.state, "gone"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBackend_BuildStage_UninstallablePackage(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", &domain.Stage{
		Name: "env",
		Base: domain.ScratchBase,
		Instructions: []domain.Instruction{
			domain.InstallPackages{Names: []string{"definitely-not-a-real-package"}},
		},
	})

	f.executor.EXPECT().
		Execute(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, cmd domain.Command) error {
			assert.Equal(t, []string{"apt-get", "download", "definitely-not-a-real-package"}, cmd.Args)
			return errors.New("E: Unable to locate package definitely-not-a-real-package")
		})

	_, err := f.backend.BuildStage(context.Background(), f.request(p, "env", domain.DefaultBuildConfig()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInstallFailed))
	f.assertNoSnapshots(t, "ci")
}

func TestBackend_BuildStage_PackageNotDownloaded(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", &domain.Stage{
		Name:         "env",
		Base:         domain.ScratchBase,
		Instructions: []domain.Instruction{domain.InstallPackages{Names: []string{"git", "curl"}}},
	})

	f.executor.EXPECT().
		Execute(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, cmd domain.Command) error {
			return os.WriteFile(filepath.Join(cmd.Dir, "git_1%3a2.20.1-2_amd64.deb"), []byte("git"), 0o600)
		})

	_, err := f.backend.BuildStage(context.Background(), f.request(p, "env", domain.DefaultBuildConfig()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInstallFailed))
	f.assertNoSnapshots(t, "ci")
}

func TestBackend_BuildStage_LockedPackageVersion(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", &domain.Stage{
		Name:         "env",
		Base:         domain.ScratchBase,
		Instructions: []domain.Instruction{domain.InstallPackages{Names: []string{"git"}}},
	})

	var download []string
	f.executor.EXPECT().
		Execute(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, cmd domain.Command) error {
			if cmd.Args[0] != "apt-get" {
				return nil
			}
			download = cmd.Args
			return os.WriteFile(filepath.Join(cmd.Dir, "git_1%3a2.20.1-2+deb10u3_amd64.deb"), []byte("git"), 0o600)
		}).
		Times(2)

	req := f.request(p, "env", domain.DefaultBuildConfig())
	req.Lock.Packages["git"] = domain.LockedPackage{Version: "1:2.20.1-2+deb10u3"}
	res, err := f.backend.BuildStage(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"apt-get", "download", "git=1:2.20.1-2+deb10u3"}, download)
	manifest, err := snapshot.ReadManifest(res.Ref)
	require.NoError(t, err)
	assert.Equal(t, "1:2.20.1-2+deb10u3", manifest.Packages["git"])
}

func TestBackend_BuildStage_Toolchain(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", &domain.Stage{
		Name: "env",
		Base: domain.ScratchBase,
		Instructions: []domain.Instruction{
			domain.InstallToolchain{Installer: "rustup", Version: "nightly-2020-11-19", Components: []string{"rustfmt", "clippy"}},
		},
	})

	f.executor.EXPECT().
		Execute(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, cmd domain.Command) error {
			assert.Equal(t, []string{
				"rustup", "toolchain", "install", "nightly-2020-11-19", "--profile", "minimal", "--no-self-update",
				"--component", "rustfmt", "--component", "clippy",
			}, cmd.Args)
			assert.Equal(t, filepath.Join(cmd.Dir, "usr", "local", "rustup"), cmd.Env["RUSTUP_HOME"])
			assert.Equal(t, filepath.Join(cmd.Dir, "usr", "local", "cargo"), cmd.Env["CARGO_HOME"])
			return nil
		})

	res, err := f.backend.BuildStage(context.Background(), f.request(p, "env", domain.DefaultBuildConfig()))
	require.NoError(t, err)

	manifest, err := snapshot.ReadManifest(res.Ref)
	require.NoError(t, err)
	require.Len(t, manifest.Toolchains, 1)
	assert.Equal(t, "nightly-2020-11-19", manifest.Toolchains[0].Version)
}

func TestBackend_BuildStage_ToolchainFailure(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", &domain.Stage{
		Name: "env",
		Base: domain.ScratchBase,
		Instructions: []domain.Instruction{
			domain.InstallToolchain{Installer: "rustup", Version: "nightly-1999-01-01"},
		},
	})
	f.executor.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(errors.New("toolchain not found"))

	_, err := f.backend.BuildStage(context.Background(), f.request(p, "env", domain.DefaultBuildConfig()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInstallFailed))
	f.assertNoSnapshots(t, "ci")
}

func TestBackend_BuildStage_ImageBase(t *testing.T) {
	f := newFixture(t)
	p := pipelineOf(t, "ci", &domain.Stage{
		Name:         "env",
		Base:         "rust:slim-buster",
		Instructions: []domain.Instruction{domain.InstallPackages{Names: []string{"git"}}},
	})

	_, err := f.backend.BuildStage(context.Background(), f.request(p, "env", domain.DefaultBuildConfig()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedBase))
	f.assertNoSnapshots(t, "ci")
}
