package domain

import "path/filepath"

const (
	// StateDirName is the name of the default state directory.
	StateDirName = ".stagehand"

	// RecordsDirName is the name of the stage record directory.
	RecordsDirName = "records"

	// ImagesDirName is the name of the published image directory.
	ImagesDirName = "images"

	// StagesDirName is the name of the stage snapshot directory.
	StagesDirName = "stages"

	// BlobsDirName is the name of the content addressed blob directory.
	BlobsDirName = "blobs"

	// ProjectFileName is the name of the project configuration file.
	ProjectFileName = "stagehand.yaml"

	// LockFileName is the name of the lockfile.
	LockFileName = "stagehand.lock"

	// DirPerm is the default permission for directories (rwxr-x---).
	DirPerm = 0o750

	// FilePerm is the default permission for files (rw-r--r--).
	FilePerm = 0o644

	// PrivateFilePerm is the default permission for private files (rw-------).
	PrivateFilePerm = 0o600
)

// Backend names.
const (
	BackendSnapshot = "snapshot"
	BackendDocker   = "docker"
)

// RecordsPath returns the stage record directory below a state root.
func RecordsPath(root string) string {
	return filepath.Join(root, RecordsDirName)
}

// ImagesPath returns the published image directory below a state root.
func ImagesPath(root string) string {
	return filepath.Join(root, ImagesDirName)
}

// StagesPath returns the snapshot directory of a pipeline below a state root.
func StagesPath(root, pipeline string) string {
	return filepath.Join(root, StagesDirName, pipeline)
}

// BlobsPath returns the blob directory below a state root.
func BlobsPath(root string) string {
	return filepath.Join(root, BlobsDirName, "sha256")
}
