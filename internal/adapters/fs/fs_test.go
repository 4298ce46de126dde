package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/stagehand/internal/adapters/fs"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
}

func TestWalker_WalkFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		".git/config":                 "git config",
		"ignored/file":                "ignored content",
		"target/release/influxdb_iox": "binary",
		"target/release/build.log":    "log",
		"README.md":                   "# Readme",
	})
	require.NoError(t, os.Symlink("README.md", filepath.Join(root, "link")))

	var files []string
	for path, err := range fs.NewWalker().WalkFiles(root, []string{"ignored", "*.log"}) {
		require.NoError(t, err)
		rel, err := filepath.Rel(root, path)
		require.NoError(t, err)
		files = append(files, filepath.ToSlash(rel))
	}

	assert.Equal(t, []string{"README.md", "target/release/influxdb_iox"}, files)
}

func TestWalker_WalkFiles_StopsEarly(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a": "1", "b": "2", "c": "3"})

	var seen []string
	for path, err := range fs.NewWalker().WalkFiles(root, nil) {
		require.NoError(t, err)
		seen = append(seen, filepath.Base(path))
		if len(seen) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestWalker_WalkFiles_ReportsErrors(t *testing.T) {
	root := filepath.Join(t.TempDir(), "gone")

	var errs []error
	for path, err := range fs.NewWalker().WalkFiles(root, nil) {
		assert.Empty(t, path)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], os.ErrNotExist)
}

func TestHasher_UnreadableContextDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not apply to root")
	}
	contextDir := t.TempDir()
	writeTree(t, contextDir, map[string]string{"assets/public/index.html": "<html>"})
	private := filepath.Join(contextDir, "assets", "private")
	require.NoError(t, os.Mkdir(private, 0o750))
	require.NoError(t, os.Chmod(private, 0o000))
	t.Cleanup(func() { _ = os.Chmod(private, 0o750) })

	p := domain.NewPipeline("web", "web:latest")
	s := &domain.Stage{
		Name:         "web",
		Base:         domain.ScratchBase,
		Instructions: []domain.Instruction{domain.Copy{From: domain.ArtifactHandle{Path: "assets"}, Dest: "/srv"}},
	}
	require.NoError(t, p.AddStage(s))

	_, err := fs.NewHasher(fs.NewWalker(), fs.NewResolver()).ComputeStageHash(ports.StageRequest{
		Pipeline: p,
		Stage:    s,
		Config:   domain.DefaultBuildConfig().WithContextDir(contextDir),
		Lock:     domain.NewLockfile(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestHasher_ComputeFileHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flatc")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	hasher := fs.NewHasher(fs.NewWalker(), fs.NewResolver())

	hash1, err := hasher.ComputeFileHash(path)
	require.NoError(t, err)
	assert.NotZero(t, hash1)

	hash2, err := hasher.ComputeFileHash(path)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2, "expected deterministic hash")

	require.NoError(t, os.WriteFile(path, []byte("hello there"), 0o600))
	hash3, err := hasher.ComputeFileHash(path)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}
