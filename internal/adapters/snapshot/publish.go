package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-connections/nat"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/zerr"
)

const (
	indexFile = "index.json"

	// AnnotationSnapshot records the stage snapshot an image config belongs to.
	AnnotationSnapshot = "dev.stagehand.snapshot"
)

var indexMu sync.Mutex

// Publish writes the image configuration as a content-addressed blob and
// points the image tag at it in the state directory index.
func (b *Backend) Publish(_ context.Context, stateDir string, img domain.OutputImage) error {
	cfg, err := ImageConfig(img)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return zerr.Wrap(err, "failed to marshal image config")
	}

	dgst := digest.FromBytes(data)
	blobs := domain.BlobsPath(stateDir)
	if err := os.MkdirAll(blobs, domain.DirPerm); err != nil {
		return zerr.With(errors.Join(domain.ErrStoreCreateFailed, err), "path", blobs)
	}
	blob := filepath.Join(blobs, dgst.Encoded())
	if err := os.WriteFile(blob, data, domain.FilePerm); err != nil {
		return zerr.With(errors.Join(domain.ErrStoreWriteFailed, err), "path", blob)
	}

	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    dgst,
		Size:      int64(len(data)),
		Annotations: map[string]string{
			ocispec.AnnotationRefName: img.Tag(),
			AnnotationSnapshot:        img.Ref(),
		},
	}
	if err := updateIndex(stateDir, desc); err != nil {
		return err
	}
	b.logger.Info("published " + img.Tag() + " as " + dgst.String())
	return nil
}

// ImageConfig converts an output image into an OCI image configuration.
func ImageConfig(img domain.OutputImage) (ocispec.Image, error) {
	c := img.Config()
	created := img.Created()

	ports := make(map[string]struct{}, len(c.ExposedPorts))
	for _, p := range c.ExposedPorts {
		proto := p.Proto
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.Number))
		if err != nil {
			return ocispec.Image{}, zerr.With(zerr.Wrap(err, "invalid exposed port"), "port", p.String())
		}
		ports[string(port)] = struct{}{}
	}

	return ocispec.Image{
		Created: &created,
		Platform: ocispec.Platform{
			Architecture: runtime.GOARCH,
			OS:           "linux",
		},
		Config: ocispec.ImageConfig{
			User:         c.User,
			ExposedPorts: ports,
			Env:          c.EnvList(),
			Entrypoint:   c.Entrypoint,
			Cmd:          c.Cmd,
			WorkingDir:   c.WorkingDir,
			Labels:       c.Labels,
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{},
		},
	}, nil
}

// ReadIndex returns the image index of the state directory.
// A missing index yields an empty one.
func ReadIndex(stateDir string) (ocispec.Index, error) {
	path := filepath.Join(stateDir, indexFile)
	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is inside the state dir
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return index, nil
		}
		return index, zerr.With(errors.Join(domain.ErrStoreReadFailed, err), "path", path)
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return index, zerr.With(errors.Join(domain.ErrStoreUnmarshalFailed, err), "path", path)
	}
	return index, nil
}

// updateIndex replaces the descriptor carrying the same reference name.
func updateIndex(stateDir string, desc ocispec.Descriptor) error {
	indexMu.Lock()
	defer indexMu.Unlock()

	index, err := ReadIndex(stateDir)
	if err != nil {
		return err
	}
	name := desc.Annotations[ocispec.AnnotationRefName]
	index.Manifests = slices.DeleteFunc(index.Manifests, func(d ocispec.Descriptor) bool {
		return d.Annotations[ocispec.AnnotationRefName] == name
	})
	index.Manifests = append(index.Manifests, desc)
	slices.SortFunc(index.Manifests, func(a, b ocispec.Descriptor) int {
		return strings.Compare(a.Annotations[ocispec.AnnotationRefName], b.Annotations[ocispec.AnnotationRefName])
	})

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return errors.Join(domain.ErrStoreMarshalFailed, err)
	}
	path := filepath.Join(stateDir, indexFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, domain.FilePerm); err != nil {
		return zerr.With(errors.Join(domain.ErrStoreWriteFailed, err), "path", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return zerr.With(errors.Join(domain.ErrStoreWriteFailed, err), "path", path)
	}
	return nil
}
