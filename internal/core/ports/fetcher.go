package ports

import (
	"context"
	"io"

	"go.trai.ch/stagehand/internal/core/domain"
)

// SourceFetcher defines the interface for retrieving pinned source dependencies.
//
//go:generate go run go.uber.org/mock/mockgen -source=fetcher.go -destination=mocks/mock_fetcher.go -package=mocks
type SourceFetcher interface {
	// Fetch checks out dep into dest and returns the commit it resolved to.
	// Failures are not retried.
	Fetch(ctx context.Context, dep domain.PinnedDependency, dest string, progress io.Writer) (string, error)

	// Resolve returns the commit the dependency version points to without checking it out.
	Resolve(ctx context.Context, dep domain.PinnedDependency) (string, error)
}
