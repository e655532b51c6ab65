// Package watcher tracks workspace dirtiness for the synchronizer: it
// remembers when the workspace last changed so a periodic cycle with
// nothing new to push can be skipped.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// excludedDirs never mark the workspace dirty; they are also excluded from
// synchronization.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".cache":       true,
	"vendor":       true,
	"__pycache__":  true,
}

// Watcher monitors one workspace directory tree.
type Watcher struct {
	mu          sync.Mutex
	fsWatcher   *fsnotify.Watcher
	lastChange  time.Time
	lastCleared time.Time
	done        chan struct{}
}

func New(workDir string) (*Watcher, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsWatcher: fsW,
		done:      make(chan struct{}),
	}

	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return nil, err
	}

	go w.watchLoop()
	return w, nil
}

func addDirsRecursive(fsW *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if excludedDirs[base] || (strings.HasPrefix(base, ".") && path != root) {
			return filepath.SkipDir
		}
		return fsW.Add(path)
	})
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.mu.Lock()
			w.lastChange = time.Now()
			w.mu.Unlock()
			// New directories need watching too.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !strings.HasPrefix(base, ".") {
						w.fsWatcher.Add(event.Name)
					}
				}
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		case <-w.done:
			return
		}
	}
}

// Dirty reports whether the workspace changed since the last MarkClean.
func (w *Watcher) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastChange.After(w.lastCleared)
}

// MarkClean records that a successful sync cycle has drained all changes
// seen so far.
func (w *Watcher) MarkClean() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastCleared = time.Now()
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fsWatcher.Close()
}
