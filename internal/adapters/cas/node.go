package cas

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/stagehand/internal/core/ports"
)

const (
	// NodeID is the unique identifier for the stage record store Graft node.
	NodeID graft.ID = "adapter.stage_record_store"

	// ImageNodeID is the unique identifier for the image store Graft node.
	ImageNodeID graft.ID = "adapter.image_store"
)

func init() {
	graft.Register(graft.Node[ports.StageRecordStore]{
		ID:        NodeID,
		Cacheable: true,
		Run: func(_ context.Context) (ports.StageRecordStore, error) {
			store, err := NewStore()
			if err != nil {
				return nil, err
			}
			return store, nil
		},
	})

	graft.Register(graft.Node[ports.ImageStore]{
		ID:        ImageNodeID,
		Cacheable: true,
		Run: func(_ context.Context) (ports.ImageStore, error) {
			return NewImageStore(), nil
		},
	})
}
