package runner

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/stagehand/internal/adapters/cas"                //nolint:depguard // Wired in engine wiring
	"go.trai.ch/stagehand/internal/adapters/fs"                 //nolint:depguard // Wired in engine wiring
	"go.trai.ch/stagehand/internal/adapters/telemetry/progrock" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/stagehand/internal/core/ports"
)

// NodeID is the unique identifier for the runner Graft node.
const NodeID graft.ID = "engine.runner"

func init() {
	graft.Register(graft.Node[*Runner]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			fs.HasherNodeID,
			cas.NodeID,
			cas.ImageNodeID,
			progrock.NodeID,
		},
		Run: func(ctx context.Context) (*Runner, error) {
			hasher, err := graft.Dep[ports.Hasher](ctx)
			if err != nil {
				return nil, err
			}

			records, err := graft.Dep[ports.StageRecordStore](ctx)
			if err != nil {
				return nil, err
			}

			images, err := graft.Dep[ports.ImageStore](ctx)
			if err != nil {
				return nil, err
			}

			telemetry, err := graft.Dep[ports.Telemetry](ctx)
			if err != nil {
				return nil, err
			}

			return NewRunner(hasher, records, images, telemetry), nil
		},
	})
}
