// Package cas implements the file backed stores for stage records and published images.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
)

var (
	_ ports.StageRecordStore = (*Store)(nil)
	_ ports.ImageStore       = (*ImageStore)(nil)
)

// Store implements ports.StageRecordStore using a file-per-stage strategy.
type Store struct{}

// NewStore creates a new StageRecordStore.
func NewStore() (*Store, error) {
	return &Store{}, nil
}

// Get retrieves the record of a pipeline stage.
func (s *Store) Get(root, pipeline, stage string) (*domain.StageRecord, error) {
	var record domain.StageRecord
	found, err := readJSON(recordFilename(root, domain.RecordKey(pipeline, stage)), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// Put stores the record.
func (s *Store) Put(root string, record domain.StageRecord) error {
	return writeJSON(recordFilename(root, record.Key()), record)
}

// ImageStore implements ports.ImageStore, keeping the last image published by each pipeline.
type ImageStore struct{}

// NewImageStore creates a new ImageStore.
func NewImageStore() *ImageStore {
	return &ImageStore{}
}

// Get retrieves the image published by a pipeline.
func (s *ImageStore) Get(root, pipeline string) (*domain.OutputImage, error) {
	var record domain.ImageRecord
	found, err := readJSON(imageFilename(root, pipeline), &record)
	if err != nil || !found {
		return nil, err
	}
	img := record.Image()
	return &img, nil
}

// Put stores the image.
func (s *ImageStore) Put(root string, img domain.OutputImage) error {
	return writeJSON(imageFilename(root, img.Pipeline()), img.Record())
}

func recordFilename(root, key string) string {
	return filepath.Join(domain.RecordsPath(root), hashName(key)+".json")
}

func imageFilename(root, pipeline string) string {
	return filepath.Join(domain.ImagesPath(root), hashName(pipeline)+".json")
}

func hashName(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func readJSON(filename string, v any) (bool, error) {
	//nolint:gosec // Path is constructed from trusted directory and hashed filename
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, zerr.Wrap(err, domain.ErrStoreReadFailed.Error())
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, zerr.Wrap(err, domain.ErrStoreUnmarshalFailed.Error())
	}
	return true, nil
}

// writeJSON replaces filename atomically so readers never see a partial record.
func writeJSON(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return zerr.Wrap(err, domain.ErrStoreMarshalFailed.Error())
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, domain.DirPerm); err != nil {
		return zerr.Wrap(err, domain.ErrStoreCreateFailed.Error())
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return zerr.Wrap(err, domain.ErrStoreWriteFailed.Error())
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Already renamed on success

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return zerr.Wrap(err, domain.ErrStoreWriteFailed.Error())
	}
	if err := tmp.Close(); err != nil {
		return zerr.Wrap(err, domain.ErrStoreWriteFailed.Error())
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return zerr.Wrap(err, domain.ErrStoreWriteFailed.Error())
	}
	return nil
}
