package recipes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/stagehand/internal/adapters/fs"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/stagehand/internal/recipes"
)

func TestProject(t *testing.T) {
	proj, err := recipes.Project()
	require.NoError(t, err)
	assert.Equal(t, []string{recipes.CIPipeline, recipes.RuntimePipeline}, proj.Names())
}

func TestCI_ImageConfig(t *testing.T) {
	p, err := recipes.CI()
	require.NoError(t, err)

	cfg := p.ImageConfig()
	assert.Equal(t, "rust", cfg.User)
	assert.Equal(t, 1500, cfg.UID)
	assert.Equal(t, 1500, cfg.GID)
	assert.False(t, cfg.Privileged())
	assert.Equal(t, []string{"/bin/bash"}, cfg.Cmd)
	assert.Equal(t, domain.DefaultPath+":/home/rust/.local/bin:/home/rust/bin", cfg.Env["PATH"])
}

func TestRuntime_ImageConfig(t *testing.T) {
	p, err := recipes.Runtime()
	require.NoError(t, err)

	cfg := p.ImageConfig()
	assert.Equal(t, []string{"/usr/bin/influxdb_iox"}, cfg.Entrypoint)
	assert.Empty(t, cfg.Cmd)
	assert.Equal(t, []domain.Port{domain.TCP(8080), domain.TCP(8082)}, cfg.ExposedPorts)
	assert.Equal(t, "rust", cfg.User)
}

func TestCIFrom_VersionOnlyAffectsToolchainStage(t *testing.T) {
	hasher := fs.NewHasher(fs.NewWalker(), fs.NewResolver())
	cfg := domain.DefaultBuildConfig().WithContextDir(t.TempDir())
	lock := domain.NewLockfile()

	stageHash := func(p *domain.Pipeline, name string, imports map[string]domain.StageResult) string {
		s, ok := p.Stage(name)
		require.True(t, ok)
		h, err := hasher.ComputeStageHash(ports.StageRequest{
			Pipeline: p,
			Stage:    s,
			Imports:  imports,
			Config:   cfg,
			Lock:     lock,
		})
		require.NoError(t, err)
		return h
	}

	installs := func(p *domain.Pipeline) []string {
		env, ok := p.Stage("env")
		require.True(t, ok)
		var out []string
		for _, in := range env.Instructions {
			if in.Kind() == domain.KindPackages || in.Kind() == domain.KindToolchain {
				out = append(out, hasher.InstructionDigest(in))
			}
		}
		return out
	}

	pinned, err := recipes.CIFrom(recipes.Flatbuffers)
	require.NoError(t, err)
	bumped, err := recipes.CIFrom(domain.PinnedDependency{URL: recipes.Flatbuffers.URL, Version: "v1.12.1"})
	require.NoError(t, err)

	assert.NotEqual(t, stageHash(pinned, "flatc", nil), stageHash(bumped, "flatc", nil))

	flatc := map[string]domain.StageResult{
		"flatc": {
			Ref:       "stagehand/ci:flatc",
			Digest:    "sha256:4e3c1f0a",
			Artifacts: map[string]string{recipes.FlatcPath: "sha256:9b2d"},
		},
	}
	assert.Equal(t, stageHash(pinned, "env", flatc), stageHash(bumped, "env", flatc),
		"the environment stage only sees the version through the compiled artifact")

	assert.Len(t, installs(pinned), 2)
	assert.Equal(t, installs(pinned), installs(bumped))

	pinnedEnv, _ := pinned.Stage("env")
	bumpedEnv, _ := bumped.Stage("env")
	assert.Equal(t, lock.Canonical(pinnedEnv), lock.Canonical(bumpedEnv))
}

func TestToolchainBuilder_InstallsCompilerBeforeCompiling(t *testing.T) {
	s := recipes.ToolchainBuilder(recipes.Flatbuffers)

	kinds := make([]domain.InstructionKind, 0, len(s.Instructions))
	for _, in := range s.Instructions {
		kinds = append(kinds, in.Kind())
	}
	assert.Equal(t, []domain.InstructionKind{
		domain.KindFetch, domain.KindSystem, domain.KindPackages, domain.KindCompile,
	}, kinds)
	assert.Contains(t, s.Instructions, domain.Instruction(domain.InstallPackages{Names: recipes.CompilerPackages}))
}

func TestProject_BuildsWithDocker(t *testing.T) {
	proj, err := recipes.Project()
	require.NoError(t, err)
	assert.Equal(t, domain.BackendDocker, proj.Backend)
}
