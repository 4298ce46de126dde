package ports

import "go.trai.ch/stagehand/internal/core/domain"

// Hasher defines the interface for computing hashes.
//
//go:generate go run go.uber.org/mock/mockgen -source=hasher.go -destination=mocks/mock_hasher.go -package=mocks
type Hasher interface {
	// ComputeStageHash computes the input hash of a stage from its definition, its base,
	// the results of the stages it imports, the build configuration, the lock entries
	// it relies on and the build context files it copies.
	ComputeStageHash(req StageRequest) (string, error)

	// InstructionDigest returns the fingerprint of a single instruction.
	InstructionDigest(in domain.Instruction) string

	// DigestFile returns the content digest of a file.
	DigestFile(path string) (string, error)
}
