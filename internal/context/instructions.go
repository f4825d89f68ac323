package context

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// InstructionsSource supplies the static instructions block.
type InstructionsSource interface {
	Instructions() string
}

// StaticInstructions is a fixed instructions text.
type StaticInstructions string

func (s StaticInstructions) Instructions() string { return string(s) }

// InstructionsFile serves instructions loaded from disk. Watch keeps the text
// current as the file changes; a failed reload keeps the last good text.
type InstructionsFile struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	text string

	debounce time.Duration
}

// LoadInstructionsFile reads path once.
func LoadInstructionsFile(path string, logger *slog.Logger) (*InstructionsFile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &InstructionsFile{
		path:     filepath.Clean(path),
		logger:   logger.With("component", "instructions"),
		debounce: 100 * time.Millisecond,
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *InstructionsFile) Instructions() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.text
}

// Reload re-reads the file.
func (f *InstructionsFile) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read instructions file: %w", err)
	}
	f.mu.Lock()
	f.text = strings.TrimSpace(string(data))
	f.mu.Unlock()
	return nil
}

// Watch reloads the file on change until ctx is done. The parent directory is
// watched so editors that replace the file by rename are picked up.
func (f *InstructionsFile) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := make(chan struct{}, 1)

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
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(f.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := f.Reload(); err != nil {
				f.logger.Warn("instructions reload failed", "path", f.path, "error", err)
				continue
			}
			f.logger.Info("instructions reloaded", "path", f.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("instructions watcher error", "error", err)
		}
	}
}
