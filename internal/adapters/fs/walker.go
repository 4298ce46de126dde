// Package fs provides file system adapters for walking, resolving, copying and hashing files.
package fs

import (
	"io/fs"
	"iter"
	"path/filepath"
	"slices"

	"go.trai.ch/zerr"
)

// vcsDirs are never part of a build context.
var vcsDirs = []string{".git", ".hg", ".svn"}

// Walker enumerates the regular files of a directory tree.
type Walker struct{}

// NewWalker creates a new Walker.
func NewWalker() *Walker {
	return &Walker{}
}

// WalkFiles yields the regular files below root in lexical order. Symlinks are not followed
// and not yielded. Entries whose base name matches one of ignores are left out, and
// ignored or version control directories are not entered. Yielded paths include the root prefix.
// A directory that cannot be read ends the walk with a final non-nil error.
func (w *Walker) WalkFiles(root string, ignores []string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != root && ignored(d.Name(), ignores) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if !yield(path, nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", zerr.With(zerr.Wrap(err, "failed to walk directory"), "path", root))
		}
	}
}

func ignored(name string, ignores []string) bool {
	if slices.Contains(vcsDirs, name) {
		return true
	}
	for _, pattern := range ignores {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}
