// Package store is the on-disk snapshot layout under .snapvrt/:
// committed references, last-captured currents, and diff images.
// Reference files are read-only during a run; every write goes through
// a temp file and rename so a crash leaves either a complete file or
// no file.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/snapvrt/snapvrt/internal/errext"
)

const (
	BaseDir       = ".snapvrt"
	ReferenceDir  = "reference"
	CurrentDir    = "current"
	DifferenceDir = "difference"
)

// Store reads and writes snapshot PNGs. The filesystem is injected so
// tests run against afero's in-memory backend.
type Store struct {
	fs afero.Fs
}

// New creates a store over the real filesystem.
func New() *Store {
	return &Store{fs: afero.NewOsFs()}
}

// NewWithFs creates a store over an arbitrary filesystem.
func NewWithFs(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

func (s *Store) path(subdir, id string) string {
	return filepath.Join(BaseDir, subdir, id+".png")
}

// writeAtomic writes data to a temp file next to path, then renames it
// into place.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errext.Wrap(errext.Io, err, "create "+dir)
	}
	tmp := path + fmt.Sprintf(".tmp-%d", os.Getpid())
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return errext.Wrap(errext.Io, err, "write "+tmp)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return errext.Wrap(errext.Io, err, "rename into "+path)
	}
	return nil
}

// WriteReference saves a baseline and clears any stale current or
// difference file for the same id.
func (s *Store) WriteReference(id string, png []byte) error {
	if err := s.writeAtomic(s.path(ReferenceDir, id), png); err != nil {
		return err
	}
	s.CleanOutput(id)
	return nil
}

// WriteCurrent saves the last-captured screenshot.
func (s *Store) WriteCurrent(id string, png []byte) error {
	return s.writeAtomic(s.path(CurrentDir, id), png)
}

// WriteDifference saves a diff image.
func (s *Store) WriteDifference(id string, png []byte) error {
	return s.writeAtomic(s.path(DifferenceDir, id), png)
}

// ReadReference returns the baseline bytes, or nil when none exists.
func (s *Store) ReadReference(id string) []byte {
	data, err := afero.ReadFile(s.fs, s.path(ReferenceDir, id))
	if err != nil {
		return nil
	}
	return data
}

// ReadCurrent returns the last-captured bytes, or nil when none exists.
func (s *Store) ReadCurrent(id string) []byte {
	data, err := afero.ReadFile(s.fs, s.path(CurrentDir, id))
	if err != nil {
		return nil
	}
	return data
}

// ReadDifference returns the diff image bytes, or nil when none exists.
func (s *Store) ReadDifference(id string) []byte {
	data, err := afero.ReadFile(s.fs, s.path(DifferenceDir, id))
	if err != nil {
		return nil
	}
	return data
}

// HasDifference reports whether a diff image exists for the id.
func (s *Store) HasDifference(id string) bool {
	ok, _ := afero.Exists(s.fs, s.path(DifferenceDir, id))
	return ok
}

// CleanOutput removes the current and difference files for one id.
func (s *Store) CleanOutput(id string) {
	_ = s.fs.Remove(s.path(CurrentDir, id))
	_ = s.fs.Remove(s.path(DifferenceDir, id))
}

// CleanOutputFiles removes current/difference files for the given ids
// only (used on filtered runs).
func (s *Store) CleanOutputFiles(ids []string) {
	for _, id := range ids {
		s.CleanOutput(id)
	}
}

// ClearOutputDirs wipes the current and difference areas entirely
// (full runs: catches removed and renamed stories).
func (s *Store) ClearOutputDirs() {
	for _, subdir := range []string{CurrentDir, DifferenceDir} {
		dir := filepath.Join(BaseDir, subdir)
		if ok, _ := afero.DirExists(s.fs, dir); ok {
			_ = s.fs.RemoveAll(dir)
			_ = s.fs.MkdirAll(dir, 0o755)
		}
	}
}

func (s *Store) listIDs(subdir string) []string {
	base := filepath.Join(BaseDir, subdir)
	var ids []string
	_ = afero.Walk(s.fs, base, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".png") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return nil
		}
		ids = append(ids, filepath.ToSlash(strings.TrimSuffix(rel, filepath.Ext(rel))))
		return nil
	})
	sort.Strings(ids)
	return ids
}

// ListReferenceIDs returns every committed baseline id, sorted.
func (s *Store) ListReferenceIDs() []string { return s.listIDs(ReferenceDir) }

// ListCurrentIDs returns every captured current id, sorted.
func (s *Store) ListCurrentIDs() []string { return s.listIDs(CurrentDir) }

// RemoveReference deletes a baseline and prunes now-empty parent
// directories up to the reference root.
func (s *Store) RemoveReference(id string) {
	path := s.path(ReferenceDir, id)
	_ = s.fs.Remove(path)

	root := filepath.Join(BaseDir, ReferenceDir)
	dir := filepath.Dir(path)
	for dir != root && strings.HasPrefix(dir, root) {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil || len(entries) > 0 {
			break
		}
		_ = s.fs.Remove(dir)
		dir = filepath.Dir(dir)
	}
}

// Orphans returns reference ids that are not in the planned set.
func (s *Store) Orphans(planned []string) []string {
	inPlan := make(map[string]struct{}, len(planned))
	for _, id := range planned {
		inPlan[id] = struct{}{}
	}
	var orphans []string
	for _, id := range s.ListReferenceIDs() {
		if _, ok := inPlan[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans
}
