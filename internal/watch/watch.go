// Package watch is the file-system ingestion boundary: it turns log files
// appearing in the watched directory into store records, and turns edits of
// the configuration files into reload/upload triggers. Re-reading a whole
// file on every event is safe because ingestion is fingerprint-idempotent.
package watch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"logrelay/storage/store"
)

const defaultSettle = 1 * time.Second

// Ingestor accepts one raw log line. Satisfied by store.Store.
type Ingestor interface {
	Ingest(ctx context.Context, rawText string) (string, error)
}

// LogWatcher watches a directory for log files and ingests their lines.
type LogWatcher struct {
	dir    string
	store  Ingestor
	kick   func()
	logger *log.Logger
	settle time.Duration

	mu          sync.Mutex
	settleTimer *time.Timer
}

// NewLogWatcher creates a watcher over dir. kick is invoked once per settle
// window after ingestion so newly stored records get swept promptly.
func NewLogWatcher(dir string, ingestor Ingestor, kick func(), logger *log.Logger) (*LogWatcher, error) {
	if dir == "" {
		return nil, errors.New("watch: log directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("watch: invalid log directory '%s': %w", dir, err)
	}
	return &LogWatcher{
		dir:    abs,
		store:  ingestor,
		kick:   kick,
		logger: logger,
		settle: defaultSettle,
	}, nil
}

// Run watches until the context is cancelled.
func (w *LogWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch: failed to watch '%s': %w", w.dir, err)
	}
	w.logger.Printf("Watching log directory: %s", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if isHidden(event.Name) {
				continue
			}
			w.logger.Printf("File changed: %s", event.Name)
			w.ingestFile(ctx, event.Name)
			w.scheduleKick()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// ingestFile re-reads the whole file. Known lines are idempotent no-ops,
// blank lines are silently ignored, and unparseable lines are diagnostics
// only.
func (w *LogWatcher) ingestFile(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		w.logger.Printf("Unable to open log file %s: %v", path, err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := w.store.Ingest(ctx, line); err != nil {
			if errors.Is(err, store.ErrInvalidFormat) {
				w.logger.Printf("Invalid line ignored: %s", line)
				continue
			}
			w.logger.Printf("Error ingesting line from %s: %v", path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		w.logger.Printf("Error reading log file %s: %v", path, err)
	}
}

// scheduleKick fires the delivery kick once things settle, so one burst of
// file events produces one sweep.
func (w *LogWatcher) scheduleKick() {
	if w.kick == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settleTimer != nil {
		w.settleTimer.Stop()
	}
	w.settleTimer = time.AfterFunc(w.settle, w.kick)
}

// FileWatcher invokes a callback when one specific file changes. The parent
// directory is watched so editors that replace the file are still seen.
type FileWatcher struct {
	path     string
	onChange func()
	logger   *log.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewFileWatcher creates a watcher for path.
func NewFileWatcher(path string, onChange func(), logger *log.Logger) (*FileWatcher, error) {
	if path == "" {
		return nil, errors.New("watch: file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: invalid path '%s': %w", path, err)
	}
	return &FileWatcher{
		path:     filepath.Clean(abs),
		onChange: onChange,
		logger:   logger,
		debounce: defaultSettle,
	}, nil
}

// Run watches until the context is cancelled.
func (f *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch: failed to watch '%s': %w", filepath.Dir(f.path), err)
	}
	f.logger.Printf("Watching file: %s", f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			f.logger.Printf("File changed: %s", f.path)
			f.scheduleChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (f *FileWatcher) scheduleChange() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.debounce, f.onChange)
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
