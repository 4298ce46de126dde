package domain

import (
	"maps"
	"slices"

	"go.trai.ch/zerr"
)

// LockfileVersion is the current lockfile format version.
const LockfileVersion = 1

// LockedSource pins a source tag to the commit it resolved to.
type LockedSource struct {
	Version string `yaml:"version" json:"version"`
	Commit  string `yaml:"commit" json:"commit"`
}

// LockedPackage pins a system package to an exact version and content digest.
type LockedPackage struct {
	Version string `yaml:"version" json:"version"`
	Digest  string `yaml:"digest,omitempty" json:"digest,omitzero"`
}

// Lockfile is the content-addressed snapshot of every external input of a build.
type Lockfile struct {
	// Version is the lockfile format version.
	Version int

	// Sources maps repository URLs to their locked checkout.
	Sources map[string]LockedSource

	// Packages maps system package names to their locked version.
	Packages map[string]LockedPackage
}

// NewLockfile returns an empty lockfile of the current version.
func NewLockfile() *Lockfile {
	return &Lockfile{
		Version:  LockfileVersion,
		Sources:  make(map[string]LockedSource),
		Packages: make(map[string]LockedPackage),
	}
}

// SetSource records the commit a dependency resolved to.
func (l *Lockfile) SetSource(dep PinnedDependency, commit string) {
	if l.Sources == nil {
		l.Sources = make(map[string]LockedSource)
	}
	l.Sources[dep.URL] = LockedSource{Version: dep.Version, Commit: commit}
}

// LockedCommit returns the locked commit for dep, if its version is locked.
func (l *Lockfile) LockedCommit(dep PinnedDependency) (string, bool) {
	if l == nil {
		return "", false
	}
	src, ok := l.Sources[dep.URL]
	if !ok || src.Version != dep.Version {
		return "", false
	}
	return src.Commit, true
}

// VerifySource checks that dep resolved to the locked commit.
// Dependencies without a lock entry pass.
func (l *Lockfile) VerifySource(dep PinnedDependency, commit string) error {
	locked, ok := l.LockedCommit(dep)
	if !ok || locked == commit {
		return nil
	}
	err := Annotate(ErrLockMismatch, "dependency", dep.String())
	err = zerr.With(err, "locked_commit", locked)
	return zerr.With(err, "resolved_commit", commit)
}

// VerifyPackages checks that every package is present in the lock.
func (l *Lockfile) VerifyPackages(names []string) error {
	var missing []string
	for _, name := range names {
		if l == nil {
			missing = append(missing, name)
			continue
		}
		if _, ok := l.Packages[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Annotate(ErrPackageNotLocked, "packages", missing)
	}
	return nil
}

// PackageVersion returns the locked version of a package, if any.
func (l *Lockfile) PackageVersion(name string) (string, bool) {
	if l == nil {
		return "", false
	}
	p, ok := l.Packages[name]
	if !ok || p.Version == "" {
		return "", false
	}
	return p.Version, true
}

// Canonical returns the lock entries relevant to a stage in a stable order.
func (l *Lockfile) Canonical(s *Stage) []string {
	if l == nil {
		return nil
	}
	var out []string
	for dep := range s.Sources() {
		if commit, ok := l.LockedCommit(dep); ok {
			out = append(out, dep.URL, commit)
		}
	}
	for _, name := range slices.Sorted(slices.Values(s.Packages())) {
		if p, ok := l.Packages[name]; ok {
			out = append(out, name, p.Version, p.Digest)
		}
	}
	return out
}

// SourceURLs returns the locked source URLs in sorted order.
func (l *Lockfile) SourceURLs() []string {
	return slices.Sorted(maps.Keys(l.Sources))
}
