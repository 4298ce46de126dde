package domain

import "time"

// StageResult is what a backend returns for a built stage.
type StageResult struct {
	// Ref identifies the stage snapshot in the backend (a directory or an image ID).
	Ref string `json:"ref"`

	// Digest is the content digest of the snapshot.
	Digest string `json:"digest,omitzero"`

	// Artifacts maps each declared output path to its content digest.
	Artifacts map[string]string `json:"artifacts,omitzero"`

	// Provenance maps fetched source URLs to the commit they resolved to.
	Provenance map[string]string `json:"provenance,omitzero"`

	// Env is the environment the snapshot runs with, including what its base image
	// defines. Backends that cannot read it leave it empty.
	Env map[string]string `json:"env,omitzero"`
}

// StageRecord is the persisted build information of one stage.
type StageRecord struct {
	Pipeline  string      `json:"pipeline,omitzero"`
	Stage     string      `json:"stage,omitzero"`
	InputHash string      `json:"input_hash,omitzero"`
	Result    StageResult `json:"result"`
	RunID     string      `json:"run_id,omitzero"`
	Timestamp time.Time   `json:"timestamp,omitzero"`
}

// RecordKey returns the store key of a stage.
func RecordKey(pipeline, stage string) string {
	return pipeline + "/" + stage
}

// Key returns the store key of the record.
func (r StageRecord) Key() string {
	return RecordKey(r.Pipeline, r.Stage)
}
