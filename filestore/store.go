// Package filestore implements pacswatch.ImageStore on the local filesystem.
//
// Layout beneath the root:
//
//	<root>/<instanceID>/<instanceID>.dcm
//	<root>/<instanceID>/rendered.png
//	<root>/<instanceID>/rendered-1.png ... (further frames)
//
// Every file is written to a temporary name in the same directory and
// renamed into place once complete, so readers never observe a partial file.
package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	pacswatch "gitlab.com/medical-research/pacswatch"
)

// Ensure service implements interface.
var _ pacswatch.ImageStore = (*Store)(nil)

const (
	// RenderedName is the file name of the first rendered frame.
	RenderedName = "rendered.png"

	rawExt  = ".dcm"
	dirPerm = 0o755
)

var renderedPattern = regexp.MustCompile(`^rendered(-[0-9]+)?\.png$`)

// Store keeps per-instance artifacts beneath Root.
type Store struct {
	Root string
}

// NewStore returns a Store rooted at root. The root is created lazily.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

// RenderedFileName returns the deterministic file name of frame i.
func RenderedFileName(i int) string {
	if i == 0 {
		return RenderedName
	}
	return fmt.Sprintf("rendered-%d.png", i)
}

func (s *Store) dir(instanceID string) string {
	return filepath.Join(s.Root, instanceID)
}

// EnsureDestination creates the instance directory if it is missing.
func (s *Store) EnsureDestination(instanceID string) (string, error) {
	if err := pacswatch.ValidateInstanceID(instanceID); err != nil {
		return "", err
	}
	dir := s.dir(instanceID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", pacswatch.WrapError(pacswatch.ESTORAGE, err, "cannot create destination for %s", instanceID)
	}
	return dir, nil
}

// SourcePath returns where the raw file of an instance lives.
func (s *Store) SourcePath(instanceID string) string {
	return filepath.Join(s.dir(instanceID), instanceID+rawExt)
}

// WriteRaw streams r into <instanceID>.dcm.
func (s *Store) WriteRaw(instanceID string, r io.Reader) (string, error) {
	if _, err := s.EnsureDestination(instanceID); err != nil {
		return "", err
	}
	path := s.SourcePath(instanceID)
	if err := writeAtomic(path, r); err != nil {
		return "", pacswatch.WrapError(pacswatch.ESTORAGE, err, "cannot write raw file for %s", instanceID)
	}
	return path, nil
}

// ReplaceRendered writes pngs as rendered.png, rendered-1.png, ... and removes
// rendered files left over from a previous run with more frames.
func (s *Store) ReplaceRendered(instanceID string, pngs [][]byte) ([]string, error) {
	if _, err := s.EnsureDestination(instanceID); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(pngs))
	keep := make(map[string]bool, len(pngs))
	for i, png := range pngs {
		name := RenderedFileName(i)
		path := filepath.Join(s.dir(instanceID), name)
		if err := writeAtomic(path, bytes.NewReader(png)); err != nil {
			return nil, pacswatch.WrapError(pacswatch.ESTORAGE, err, "cannot write %s for %s", name, instanceID)
		}
		keep[name] = true
		paths = append(paths, path)
	}

	existing, err := s.ListRendered(instanceID)
	if err != nil {
		return nil, err
	}
	for _, name := range existing {
		if keep[name] {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir(instanceID), name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, pacswatch.WrapError(pacswatch.ESTORAGE, err, "cannot remove stale %s for %s", name, instanceID)
		}
	}
	return paths, nil
}

// ListRendered lists rendered PNG names of an instance in frame order.
func (s *Store) ListRendered(instanceID string) ([]string, error) {
	if err := pacswatch.ValidateInstanceID(instanceID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir(instanceID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, pacswatch.Errorf(pacswatch.ENOTFOUND, "no images for instance %s", instanceID)
	} else if err != nil {
		return nil, pacswatch.WrapError(pacswatch.ESTORAGE, err, "cannot read images of %s", instanceID)
	}

	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && renderedPattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return frameIndex(names[i]) < frameIndex(names[j])
	})
	return names, nil
}

// RenderedPath returns the path of a rendered file of an instance.
func (s *Store) RenderedPath(instanceID, name string) (string, error) {
	if err := pacswatch.ValidateInstanceID(instanceID); err != nil {
		return "", err
	}
	if !renderedPattern.MatchString(name) {
		return "", pacswatch.Errorf(pacswatch.EINVALID, "%q is not a rendered image name", name)
	}
	return filepath.Join(s.dir(instanceID), name), nil
}

// HasArtifacts reports whether the raw file and the first rendered frame exist.
func (s *Store) HasArtifacts(instanceID string) bool {
	if pacswatch.ValidateInstanceID(instanceID) != nil {
		return false
	}
	for _, p := range []string{s.SourcePath(instanceID), filepath.Join(s.dir(instanceID), RenderedName)} {
		if fi, err := os.Stat(p); err != nil || !fi.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// Prune removes the instance directory when nothing was written into it.
func (s *Store) Prune(instanceID string) error {
	if err := pacswatch.ValidateInstanceID(instanceID); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.dir(instanceID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return pacswatch.WrapError(pacswatch.ESTORAGE, err, "cannot read %s", instanceID)
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(s.dir(instanceID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return pacswatch.WrapError(pacswatch.ESTORAGE, err, "cannot prune %s", instanceID)
	}
	return nil
}

// writeAtomic copies r into a temporary sibling of path and renames it into place.
func writeAtomic(path string, r io.Reader) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func frameIndex(name string) int {
	var i int
	if name == RenderedName {
		return 0
	}
	fmt.Sscanf(name, "rendered-%d.png", &i)
	return i
}
