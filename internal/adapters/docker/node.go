package docker

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/stagehand/internal/adapters/fs"
	"go.trai.ch/stagehand/internal/adapters/git"
	"go.trai.ch/stagehand/internal/adapters/logger"
	"go.trai.ch/stagehand/internal/core/ports"
)

const (
	// NodeID is the unique identifier for the docker backend Graft node.
	NodeID graft.ID = "adapter.backend.docker"

	// RendererNodeID is the unique identifier for the Dockerfile renderer Graft node.
	RendererNodeID graft.ID = "adapter.renderer"
)

func init() {
	graft.Register(graft.Node[*Backend]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{git.NodeID, fs.ResolverNodeID, fs.CopierNodeID, logger.NodeID},
		Run: func(ctx context.Context) (*Backend, error) {
			fetcher, err := graft.Dep[ports.SourceFetcher](ctx)
			if err != nil {
				return nil, err
			}
			resolver, err := graft.Dep[*fs.Resolver](ctx)
			if err != nil {
				return nil, err
			}
			copier, err := graft.Dep[*fs.Copier](ctx)
			if err != nil {
				return nil, err
			}
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			cli, err := NewClient()
			if err != nil {
				return nil, err
			}
			return NewBackend(cli, fetcher, resolver, copier, log), nil
		},
	})

	graft.Register(graft.Node[ports.Renderer]{
		ID:        RendererNodeID,
		Cacheable: true,
		Run: func(_ context.Context) (ports.Renderer, error) {
			return NewRenderer(), nil
		},
	})
}
