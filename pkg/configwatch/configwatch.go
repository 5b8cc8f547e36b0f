// Package configwatch reports content changes of a single configuration file.
package configwatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Config for the file watcher.
type Config struct {
	Path string
	// Debounce coalesces bursts of filesystem events; zero means 500ms.
	Debounce time.Duration
}

// Watcher watches the directory holding the file so that editors replacing
// the file through a rename are picked up too.
type Watcher struct {
	cfg      Config
	log      *logrus.Logger
	watcher  *fsnotify.Watcher
	path     string
	lastHash string
}

// New creates a Watcher and records the current content hash as baseline.
func New(cfg Config, log *logrus.Logger) (*Watcher, error) {
	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	w := &Watcher{cfg: cfg, log: log, watcher: watcher, path: path}
	if _, hash, err := readFile(path); err == nil {
		w.lastHash = hash
	}
	return w, nil
}

// Run calls onChange with the new content each time the file changes, until
// ctx is done. Writes that leave the content unchanged are ignored.
func (w *Watcher) Run(ctx context.Context, onChange func(data []byte)) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.cfg.Debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Config watcher error")

		case <-timer.C:
			data, hash, err := readFile(w.path)
			if err != nil {
				w.log.WithError(err).WithField("path", w.path).Warn("Cannot read changed config file")
				continue
			}
			if hash == w.lastHash {
				continue
			}
			w.lastHash = hash
			w.log.WithField("path", w.path).Info("Config file changed")
			onChange(data)
		}
	}
}

func readFile(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}
