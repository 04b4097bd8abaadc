package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	tgerrors "tilegrab/pkg/errors"
	"tilegrab/pkg/logger"
	"tilegrab/pkg/tilemath"
)

// FileName is the ledger's name inside the output directory.
const FileName = "progress.txt"

// Ledger is a durable set of completed tile keys.
type Ledger struct {
	path string
	log  logger.Logger

	mu        sync.RWMutex
	completed map[tilemath.Key]struct{}
	file      *os.File
	corrupt   int
}

// Open loads dir/progress.txt and opens it for appending. A missing file is
// an empty ledger. Read problems are logged and whatever was read is kept.
//
// If the append handle cannot be opened, Open returns a usable in-memory
// ledger together with the error; Durable reports false in that case.
func Open(dir string, log logger.Logger) (*Ledger, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	l := &Ledger{
		path:      filepath.Join(dir, FileName),
		log:       log.WithField("ledger", filepath.Join(dir, FileName)),
		completed: make(map[tilemath.Key]struct{}),
	}

	l.load()

	if err := l.openAppend(); err != nil {
		return l, err
	}
	return l, nil
}

func (l *Ledger) load() {
	f, err := os.Open(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.WithError(err).Warn("Failed to read progress ledger, starting empty")
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, err := tilemath.ParseKey(line)
		if err != nil {
			l.corrupt++
			continue
		}
		l.completed[key] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		l.log.WithError(err).Warn("Progress ledger read stopped early")
	}

	if l.corrupt > 0 {
		l.log.WarnWithFields("Skipped corrupt ledger lines", map[string]interface{}{
			"corrupt": l.corrupt,
		})
	}
	l.log.DebugWithFields("Progress ledger loaded", map[string]interface{}{
		"completed": len(l.completed),
	})
}

func (l *Ledger) openAppend() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return &tgerrors.Error{Kind: tgerrors.KindLedger, Message: "create ledger directory", Err: err}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return &tgerrors.Error{Kind: tgerrors.KindLedger, Message: "open ledger for append", Err: err}
	}
	l.file = f
	return nil
}

// IsComplete reports whether key has been recorded.
func (l *Ledger) IsComplete(key tilemath.Key) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.completed[key]
	return ok
}

// MarkComplete records key. The in-memory set is updated even when the
// append fails, in which case a KindLedger error is returned.
func (l *Ledger) MarkComplete(key tilemath.Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.completed[key] = struct{}{}

	if l.file == nil {
		return &tgerrors.Error{Kind: tgerrors.KindLedger, Tile: key.String(), Message: "ledger is not durable"}
	}
	// A single write per line keeps concurrent appends from interleaving.
	if _, err := l.file.WriteString(key.String() + "\n"); err != nil {
		return &tgerrors.Error{Kind: tgerrors.KindLedger, Tile: key.String(), Message: "append to ledger", Err: err}
	}
	return nil
}

// CompletedCount returns the number of distinct recorded keys.
func (l *Ledger) CompletedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.completed)
}

// CorruptLines returns how many lines were skipped while loading.
func (l *Ledger) CorruptLines() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.corrupt
}

// Durable reports whether appends reach the ledger file.
func (l *Ledger) Durable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.file != nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Reset forgets every recorded key and deletes the ledger file, then
// reopens an empty one.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.completed = make(map[tilemath.Key]struct{})
	l.corrupt = 0

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := Remove(filepath.Dir(l.path)); err != nil {
		return err
	}

	l.log.Info("Progress ledger reset")
	return l.openAppend()
}

// Sync flushes appended lines to stable storage.
func (l *Ledger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

// Close syncs and closes the append handle. The in-memory set stays readable.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return fmt.Errorf("failed to sync ledger: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close ledger: %w", closeErr)
	}
	return nil
}

// Remove deletes the ledger in dir without loading it. A missing file is
// not an error.
func Remove(dir string) error {
	path := filepath.Join(dir, FileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &tgerrors.Error{Kind: tgerrors.KindLedger, Message: "delete ledger", Err: err}
	}
	return nil
}
