// Package library enumerates the video folder.
package library

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNoVideos means the folder holds no playable files.
	ErrNoVideos = errors.New("no videos available")
	// ErrInvalidName rejects names that are not plain files inside the folder.
	ErrInvalidName = errors.New("invalid video filename")
)

// Library is a read view over a directory of video files.
type Library struct {
	dir        string
	extensions []string
}

// New returns a library over dir accepting the given extensions (".mp4" if none).
func New(dir string, extensions ...string) *Library {
	if len(extensions) == 0 {
		extensions = []string{".mp4"}
	}
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return &Library{dir: dir, extensions: exts}
}

// Dir returns the folder path.
func (l *Library) Dir() string { return l.dir }

func (l *Library) accepts(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range l.extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// List returns the sorted video filenames.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read video dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !l.accepts(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// sanitize checks for directory traversal.
func sanitize(name string) (string, error) {
	clean := filepath.Base(strings.TrimSpace(name))
	if clean != strings.TrimSpace(name) || clean == "." || clean == ".." || clean == string(filepath.Separator) || clean == "" {
		return "", ErrInvalidName
	}
	return clean, nil
}

// Path returns the absolute location of name inside the folder.
func (l *Library) Path(name string) (string, error) {
	clean, err := sanitize(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.dir, clean), nil
}

// Exists reports whether name is a playable file in the folder.
func (l *Library) Exists(name string) bool {
	path, err := l.Path(name)
	if err != nil || !l.accepts(name) {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Resolution is the file chosen for a requested selection.
type Resolution struct {
	Name     string
	Path     string
	Fallback bool // the requested name was missing and the first available file was used
}

// Resolve maps a selection to a file, falling back to the first available video when the
// selection is empty or missing.
func (l *Library) Resolve(name string) (Resolution, error) {
	if name != "" && l.Exists(name) {
		path, _ := l.Path(name)
		return Resolution{Name: name, Path: path}, nil
	}
	names, err := l.List()
	if err != nil {
		return Resolution{}, err
	}
	if len(names) == 0 {
		return Resolution{}, ErrNoVideos
	}
	return Resolution{Name: names[0], Path: filepath.Join(l.dir, names[0]), Fallback: true}, nil
}

// Remove deletes a video file.
func (l *Library) Remove(name string) error {
	path, err := l.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove video: %w", err)
	}
	return nil
}
