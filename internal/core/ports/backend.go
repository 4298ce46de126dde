package ports

import (
	"context"

	"go.trai.ch/stagehand/internal/core/domain"
)

// StageRequest carries everything a backend needs to build one stage.
type StageRequest struct {
	Pipeline  *domain.Pipeline
	Stage     *domain.Stage
	Imports   map[string]domain.StageResult
	Config    domain.BuildConfig
	Lock      *domain.Lockfile
	InputHash string
	StateDir  string
}

// Backend defines the interface for building stage snapshots and publishing images.
//
//go:generate go run go.uber.org/mock/mockgen -source=backend.go -destination=mocks/mock_backend.go -package=mocks
type Backend interface {
	// Name returns the backend identifier.
	Name() string

	// BuildStage applies the stage instructions in order on top of its base.
	// Nothing is left behind when it fails.
	BuildStage(ctx context.Context, req StageRequest) (domain.StageResult, error)

	// Exists reports whether a snapshot reference is still available.
	Exists(ctx context.Context, ref string) (bool, error)

	// Publish makes the final snapshot available under the image tag.
	Publish(ctx context.Context, stateDir string, img domain.OutputImage) error
}

// Renderer defines the interface for rendering stages as container build files.
//
//go:generate go run go.uber.org/mock/mockgen -source=backend.go -destination=mocks/mock_backend.go -package=mocks
type Renderer interface {
	// Render returns one build file per stage, in pipeline order.
	Render(p *domain.Pipeline, cfg domain.BuildConfig, lock *domain.Lockfile) ([]domain.RenderedStage, error)
}
