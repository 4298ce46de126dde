// Package ports defines the core interfaces for the application.
package ports

import (
	"context"

	"go.trai.ch/stagehand/internal/core/domain"
)

// Executor defines the interface for running processes on the host.
//
//go:generate go run go.uber.org/mock/mockgen -source=executor.go -destination=mocks/mock_executor.go -package=mocks
type Executor interface {
	// Execute runs the command and waits for it to finish.
	//
	// Output is streamed to cmd.Stdout and cmd.Stderr. On failure the returned error
	// carries the exit code and the tail of the output as metadata.
	Execute(ctx context.Context, cmd domain.Command) error
}
