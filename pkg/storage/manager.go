package storage

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	tgerrors "tilegrab/pkg/errors"
	"tilegrab/pkg/tilemath"
)

const (
	// TileExt is the extension of stored tiles.
	TileExt = ".jpg"
	tempExt = ".tmp"
)

// Manager stores tiles under {outputDir}/{z}/{x}/{y}.jpg
type Manager struct {
	outputDir string
}

// NewManager creates the output directory if needed
func NewManager(outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Manager{outputDir: outputDir}, nil
}

// Path returns the final file path for key
func (m *Manager) Path(key tilemath.Key) string {
	return filepath.Join(m.outputDir, strconv.Itoa(key.Z), strconv.Itoa(key.X), strconv.Itoa(key.Y)+TileExt)
}

// Exists reports whether the tile file for key is present. Only renamed,
// fully written files are ever visible at the final path.
func (m *Manager) Exists(key tilemath.Key) bool {
	info, err := os.Stat(m.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Save streams r into the tile file for key. Data goes to a temporary file in
// the same directory which is synced and renamed into place, so a reader
// never observes a partial tile. It returns the number of bytes written.
func (m *Manager) Save(r io.Reader, key tilemath.Key) (int64, error) {
	filename := m.Path(key)
	dir := filepath.Dir(filename)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, storageError(key, "create tile directory", err)
	}

	out, err := os.CreateTemp(dir, filepath.Base(filename)+".*"+tempExt)
	if err != nil {
		return 0, storageError(key, "create temporary file", err)
	}
	tempFile := out.Name()

	n, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		os.Remove(tempFile)
		return 0, storageError(key, "write tile data", err)
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tempFile)
		return 0, storageError(key, "sync tile file", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tempFile)
		return 0, storageError(key, "close tile file", err)
	}

	if err := os.Chmod(tempFile, 0644); err != nil {
		os.Remove(tempFile)
		return 0, storageError(key, "chmod tile file", err)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return 0, storageError(key, "rename temporary file", err)
	}

	return n, nil
}

// CountExisting counts stored tiles for one zoom level
func (m *Manager) CountExisting(zoom int) (int, error) {
	root := filepath.Join(m.outputDir, strconv.Itoa(zoom))
	count := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), TileExt) {
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to count tiles for zoom %d: %w", zoom, err)
	}
	return count, nil
}

// CleanTemp removes temporary files left behind by interrupted writes and
// returns how many were deleted.
func (m *Manager) CleanTemp() (int, error) {
	removed := 0
	err := filepath.WalkDir(m.outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), tempExt) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to clean temporary files: %w", err)
	}
	return removed, nil
}

// GetOutputDir returns the output directory path
func (m *Manager) GetOutputDir() string {
	return m.outputDir
}

func storageError(key tilemath.Key, msg string, err error) error {
	return &tgerrors.Error{Kind: tgerrors.KindStorage, Tile: key.String(), Message: msg, Err: err}
}
