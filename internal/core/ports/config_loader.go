package ports

import "go.trai.ch/stagehand/internal/core/domain"

// ConfigLoader defines the interface for loading a project definition.
//
//go:generate go run go.uber.org/mock/mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type ConfigLoader interface {
	// Load reads the project file at path.
	// A missing file is reported with an error matching fs.ErrNotExist.
	Load(path string) (*domain.Project, error)
}

// LockfileStore defines the interface for reading and writing lockfiles.
//
//go:generate go run go.uber.org/mock/mockgen -source=config_loader.go -destination=mocks/mock_config_loader.go -package=mocks
type LockfileStore interface {
	// LoadLock reads the lockfile at path. A missing file yields an empty lockfile.
	LoadLock(path string) (*domain.Lockfile, error)

	// SaveLock writes the lockfile to path atomically.
	SaveLock(path string, lock *domain.Lockfile) error
}
