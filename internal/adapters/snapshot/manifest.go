package snapshot

import (
	"encoding/json"
	"maps"
	"os"
	"path/filepath"

	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/zerr"
)

const (
	manifestFile = "manifest.json"
	rootfsDir    = "rootfs"
)

// Toolchain is a compiler toolchain recorded as installed in a snapshot.
type Toolchain struct {
	Installer  string   `json:"installer"`
	Version    string   `json:"version"`
	Components []string `json:"components,omitzero"`
}

// Manifest describes the state of a stage snapshot next to its root filesystem.
type Manifest struct {
	Pipeline   string            `json:"pipeline"`
	Stage      string            `json:"stage"`
	Base       string            `json:"base"`
	InputHash  string            `json:"input_hash,omitzero"`
	Env        map[string]string `json:"env,omitzero"`
	User       string            `json:"user"`
	Workdir    string            `json:"workdir,omitzero"`
	Packages   map[string]string `json:"packages,omitzero"`
	Toolchains []Toolchain       `json:"toolchains,omitzero"`
	Owners     map[string]string `json:"owners,omitzero"`
	Provenance map[string]string `json:"provenance,omitzero"`
	Artifacts  map[string]string `json:"artifacts,omitzero"`
}

func newManifest(p *domain.Pipeline, s *domain.Stage, inputHash string) *Manifest {
	return &Manifest{
		Pipeline:   p.Name,
		Stage:      s.Name,
		Base:       s.Base,
		InputHash:  inputHash,
		Env:        make(map[string]string),
		User:       domain.RootUser,
		Packages:   make(map[string]string),
		Owners:     make(map[string]string),
		Provenance: make(map[string]string),
		Artifacts:  make(map[string]string),
	}
}

// inherit carries the environment and installed state of a base snapshot forward.
func (m *Manifest) inherit(base *Manifest) {
	maps.Copy(m.Env, base.Env)
	maps.Copy(m.Packages, base.Packages)
	maps.Copy(m.Owners, base.Owners)
	m.User = base.User
	m.Workdir = base.Workdir
	m.Toolchains = append(m.Toolchains, base.Toolchains...)
}

// ReadManifest loads the manifest of the snapshot at ref.
func ReadManifest(ref string) (*Manifest, error) {
	path := filepath.Join(ref, manifestFile)
	data, err := os.ReadFile(path) //nolint:gosec // ref is a snapshot directory under the state dir
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read snapshot manifest"), "path", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to parse snapshot manifest"), "path", path)
	}
	return &m, nil
}

func (m *Manifest) write(dir string) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, zerr.Wrap(err, "failed to marshal snapshot manifest")
	}
	path := filepath.Join(dir, manifestFile)
	if err := os.WriteFile(path, data, domain.FilePerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to write snapshot manifest"), "path", path)
	}
	return data, nil
}

// RootFS returns the root filesystem directory of the snapshot at ref.
func RootFS(ref string) string {
	return filepath.Join(ref, rootfsDir)
}

// within maps an absolute image path into a root filesystem directory.
func within(rootfs, p string) string {
	return filepath.Join(rootfs, filepath.FromSlash(filepath.Clean("/"+p)))
}
