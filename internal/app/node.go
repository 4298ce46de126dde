package app

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/stagehand/internal/adapters/cas"                //nolint:depguard // Wired in app layer
	"go.trai.ch/stagehand/internal/adapters/config"             //nolint:depguard // Wired in app layer
	"go.trai.ch/stagehand/internal/adapters/docker"             //nolint:depguard // Wired in app layer
	"go.trai.ch/stagehand/internal/adapters/git"                //nolint:depguard // Wired in app layer
	"go.trai.ch/stagehand/internal/adapters/logger"             //nolint:depguard // Wired in app layer
	"go.trai.ch/stagehand/internal/adapters/snapshot"           //nolint:depguard // Wired in app layer
	"go.trai.ch/stagehand/internal/adapters/telemetry/progrock" //nolint:depguard // Wired in app layer
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/stagehand/internal/engine/runner"
)

const (
	// AppNodeID is the unique identifier for the main App Graft node.
	AppNodeID graft.ID = "app.main"
	// ComponentsNodeID is the unique identifier for the App components Graft node.
	ComponentsNodeID graft.ID = "app.components"
)

// Components contains all the initialized application components.
// This struct provides controlled access to components needed by the CLI layer.
type Components struct {
	App       *App
	Logger    ports.Logger
	Telemetry ports.Telemetry
}

func init() {
	graft.Register(graft.Node[*App]{
		ID:        AppNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			config.NodeID,
			config.LockNodeID,
			runner.NodeID,
			docker.RendererNodeID,
			git.NodeID,
			cas.ImageNodeID,
			logger.NodeID,
			snapshot.NodeID,
			docker.NodeID,
		},
		Run: runAppNode,
	})

	graft.Register(graft.Node[*Components]{
		ID:        ComponentsNodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			AppNodeID,
			logger.NodeID,
			progrock.NodeID,
		},
		Run: runComponentsNode,
	})
}

func runAppNode(ctx context.Context) (*App, error) {
	loader, err := graft.Dep[ports.ConfigLoader](ctx)
	if err != nil {
		return nil, err
	}

	locks, err := graft.Dep[ports.LockfileStore](ctx)
	if err != nil {
		return nil, err
	}

	run, err := graft.Dep[*runner.Runner](ctx)
	if err != nil {
		return nil, err
	}

	renderer, err := graft.Dep[ports.Renderer](ctx)
	if err != nil {
		return nil, err
	}

	fetcher, err := graft.Dep[ports.SourceFetcher](ctx)
	if err != nil {
		return nil, err
	}

	images, err := graft.Dep[ports.ImageStore](ctx)
	if err != nil {
		return nil, err
	}

	log, err := graft.Dep[ports.Logger](ctx)
	if err != nil {
		return nil, err
	}

	snapshots, err := graft.Dep[*snapshot.Backend](ctx)
	if err != nil {
		return nil, err
	}

	engine, err := graft.Dep[*docker.Backend](ctx)
	if err != nil {
		return nil, err
	}

	return New(loader, locks, run, renderer, fetcher, images, log, snapshots, engine), nil
}

func runComponentsNode(ctx context.Context) (*Components, error) {
	app, err := graft.Dep[*App](ctx)
	if err != nil {
		return nil, err
	}

	log, err := graft.Dep[ports.Logger](ctx)
	if err != nil {
		return nil, err
	}

	telemetry, err := graft.Dep[ports.Telemetry](ctx)
	if err != nil {
		return nil, err
	}

	return &Components{
		App:       app,
		Logger:    log,
		Telemetry: telemetry,
	}, nil
}
