package ports

import "go.trai.ch/stagehand/internal/core/domain"

// StageRecordStore defines the interface for storing and retrieving stage build records.
//
//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
type StageRecordStore interface {
	// Get retrieves the record for a pipeline stage from the state directory root.
	// Returns nil, nil if not found.
	Get(root, pipeline, stage string) (*domain.StageRecord, error)

	// Put stores the record below the state directory root.
	Put(root string, record domain.StageRecord) error
}

// ImageStore defines the interface for storing published output images.
//
//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
type ImageStore interface {
	// Get retrieves the image published by a pipeline.
	// Returns nil, nil if not found.
	Get(root, pipeline string) (*domain.OutputImage, error)

	// Put stores the image below the state directory root.
	Put(root string, img domain.OutputImage) error
}
