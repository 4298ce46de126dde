package fs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/opencontainers/go-digest"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
)

var _ ports.Hasher = (*Hasher)(nil)

// missingMarker stands in for a context file that does not exist yet.
// The copy instruction reports the missing file when the stage runs.
const missingMarker = "\x00missing"

// Hasher provides hashing functionality for stages and files.
type Hasher struct {
	walker   *Walker
	resolver *Resolver
}

// NewHasher creates a new Hasher.
func NewHasher(walker *Walker, resolver *Resolver) *Hasher {
	return &Hasher{walker: walker, resolver: resolver}
}

// ComputeFileHash computes the XXHash of a file's content.
func (h *Hasher) ComputeFileHash(path string) (uint64, error) {
	f, err := os.Open(path) //nolint:gosec // Path is controlled by caller
	if err != nil {
		return 0, zerr.With(zerr.Wrap(err, "failed to open file"), "path", path)
	}
	defer f.Close() //nolint:errcheck // Best effort close in defer

	hasher := xxhash.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return 0, zerr.With(zerr.Wrap(err, "failed to hash file content"), "path", path)
	}

	return hasher.Sum64(), nil
}

// DigestFile returns the sha256 content digest of a file.
func (h *Hasher) DigestFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // Path is controlled by caller
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to open file"), "path", path)
	}
	defer f.Close() //nolint:errcheck // Best effort close in defer

	d, err := digest.FromReader(f)
	if err != nil {
		return "", zerr.With(zerr.Wrap(err, "failed to digest file"), "path", path)
	}
	return d.String(), nil
}

// InstructionDigest returns the fingerprint of a single instruction.
func (h *Hasher) InstructionDigest(in domain.Instruction) string {
	hasher := xxhash.New()
	hashInstruction(in, hasher)
	return fmt.Sprintf("%016x", hasher.Sum64())
}

// ComputeStageHash computes a single hash representing the stage definition,
// the results it imports, the build configuration, the lock and the context files it copies.
// Two requests with the same hash produce interchangeable snapshots.
func (h *Hasher) ComputeStageHash(req ports.StageRequest) (string, error) {
	if req.Stage == nil {
		return "", zerr.New("stage is required")
	}
	hasher := xxhash.New()

	pipeline := ""
	if req.Pipeline != nil {
		pipeline = req.Pipeline.Name
	}
	writeField(hasher, pipeline)
	writeField(hasher, req.Stage.Name)
	writeField(hasher, req.Stage.Base)
	endSection(hasher)

	for _, in := range req.Stage.Instructions {
		hashInstruction(in, hasher)
	}
	endSection(hasher)

	for _, out := range req.Stage.Outputs {
		writeField(hasher, out)
	}
	endSection(hasher)

	h.hashImports(req, hasher)

	for _, field := range req.Config.Canonical() {
		writeField(hasher, field)
	}
	endSection(hasher)

	for _, field := range req.Lock.Canonical(req.Stage) {
		writeField(hasher, field)
	}
	endSection(hasher)

	if err := h.hashContextFiles(req, hasher); err != nil {
		return "", err
	}

	return fmt.Sprintf("%016x", hasher.Sum64()), nil
}

// hashImports hashes the digests of every imported stage in a deterministic order.
func (h *Hasher) hashImports(req ports.StageRequest, hasher *xxhash.Digest) {
	names := req.Stage.Imports()
	slices.Sort(names)
	for _, name := range names {
		res := req.Imports[name]
		writeField(hasher, name)
		writeField(hasher, res.Digest)
		writeField(hasher, res.Ref)

		paths := make([]string, 0, len(res.Artifacts))
		for p := range res.Artifacts {
			paths = append(paths, p)
		}
		slices.Sort(paths)
		for _, p := range paths {
			writeField(hasher, p)
			writeField(hasher, res.Artifacts[p])
		}
	}
	endSection(hasher)
}

// hashContextFiles hashes the content of every build context file the stage copies.
func (h *Hasher) hashContextFiles(req ports.StageRequest, hasher *xxhash.Digest) error {
	root := req.Config.ContextDir()
	for _, in := range req.Stage.Instructions {
		c, ok := in.(domain.Copy)
		if !ok || !c.From.FromContext() {
			continue
		}

		writeField(hasher, c.From.Path)
		path, err := h.resolver.Resolve(root, c.From.Path)
		if err != nil {
			if errors.Is(err, domain.ErrArtifactMissing) {
				writeField(hasher, missingMarker)
				continue
			}
			return err
		}
		if err := h.hashPath(path, hasher); err != nil {
			return err
		}
	}
	endSection(hasher)
	return nil
}

func (h *Hasher) hashPath(path string, mainHasher io.Writer) error {
	info, err := os.Stat(path)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to stat path"), "path", path)
	}

	if !info.IsDir() {
		return h.hashFile(path, mainHasher)
	}
	for filePath, err := range h.walker.WalkFiles(path, nil) {
		if err != nil {
			return err
		}
		if err := h.hashFile(filePath, mainHasher); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hasher) hashFile(path string, mainHasher io.Writer) error {
	_, _ = mainHasher.Write([]byte(path))
	_, _ = mainHasher.Write([]byte{0})

	hash, err := h.ComputeFileHash(path)
	if err != nil {
		return err
	}

	if err := binary.Write(mainHasher, binary.LittleEndian, hash); err != nil {
		return zerr.Wrap(err, "failed to write hash to digest")
	}
	return nil
}

func hashInstruction(in domain.Instruction, hasher *xxhash.Digest) {
	writeField(hasher, string(in.Kind()))
	for _, field := range in.Canonical() {
		writeField(hasher, field)
	}
	_, _ = hasher.Write([]byte{0})
}

func writeField(hasher *xxhash.Digest, s string) {
	_, _ = hasher.WriteString(s)
	_, _ = hasher.Write([]byte{0}) // Separator
}

func endSection(hasher *xxhash.Digest) {
	_, _ = hasher.Write([]byte{0})
}
