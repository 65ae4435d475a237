package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/artemis-ops/artemis-keeper/pkg/errors"
	"github.com/artemis-ops/artemis-keeper/pkg/logging"
)

// Config describes a file watch for one app's development reload mode.
type Config struct {
	// Directories to watch recursively
	Paths []string

	// Base-name globs and directory names to skip, e.g. ".venv",
	// "__pycache__", "*.log"
	Ignore []string

	// Quiet window collapsing event bursts into one reload
	Debounce time.Duration
}

// ChangeFunc receives one debounced change notification.
type ChangeFunc func(reason string)

// Watcher watches an app's source tree and requests a reload after file
// changes settle. New directories are picked up as they appear.
type Watcher struct {
	config   Config
	id       string
	onChange ChangeFunc
	logger   logging.Logger

	fsw      *fsnotify.Watcher
	stopChan chan struct{}
	done     chan struct{}
}

func New(config Config, id string, onChange ChangeFunc, logger logging.Logger) (*Watcher, error) {
	if len(config.Paths) == 0 {
		return nil, errors.NewValidationError("watch requires at least one path", nil).WithContext("id", id)
	}
	if config.Debounce <= 0 {
		config.Debounce = 500 * time.Millisecond
	}
	return &Watcher{
		config:   config,
		id:       id,
		onChange: onChange,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Fails if none of the configured paths exist.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewInternalError("failed to create file watcher", err).WithContext("id", w.id)
	}
	w.fsw = fsw

	watched := 0
	for _, root := range w.config.Paths {
		added, err := w.addRecursive(root)
		if err != nil {
			w.logger.Warnf("Watch path skipped, id: %s, path: %s, error: %v", w.id, root, err)
			continue
		}
		watched += added
	}
	if watched == 0 {
		fsw.Close()
		return errors.NewValidationError("no watchable directories found", nil).WithContext("id", w.id).WithContext("paths", w.config.Paths)
	}

	w.logger.Infof("Watch mode active, id: %s, directories: %d, debounce: %v", w.id, watched, w.config.Debounce)

	go w.loop()
	return nil
}

// Stop ends watching and waits for the event loop to drain.
func (w *Watcher) Stop() {
	close(w.stopChan)
	<-w.done
	w.logger.Debugf("Watcher stopped, id: %s", w.id)
}

// addRecursive registers root and all non-ignored subdirectories.
func (w *Watcher) addRecursive(root string) (int, error) {
	added := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && IsIgnored(path, w.config.Ignore) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Debugf("Failed to watch directory, id: %s, path: %s, error: %v", w.id, path, err)
			return nil
		}
		added++
		return nil
	})
	return added, err
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer w.fsw.Close()

	var debounce *time.Timer
	var pending []string
	var timerChan <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			// Watch newly created directories
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if _, err := w.addRecursive(event.Name); err != nil {
						w.logger.Debugf("Failed to watch new directory, id: %s, path: %s, error: %v", w.id, event.Name, err)
					}
				}
			}

			pending = append(pending, filepath.Base(event.Name))
			if debounce == nil {
				debounce = time.NewTimer(w.config.Debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.config.Debounce)
			}
			timerChan = debounce.C

		case <-timerChan:
			reason := summarize(pending)
			pending = nil
			timerChan = nil
			w.logger.Infof("File changes settled, id: %s, %s", w.id, reason)
			w.onChange(reason)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Watcher error, id: %s, error: %v", w.id, err)

		case <-w.stopChan:
			return
		}
	}
}

// relevant filters events down to content-affecting operations on
// non-ignored paths.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	return !IsIgnored(event.Name, w.config.Ignore)
}

// IsIgnored reports whether any path segment matches an ignore pattern.
// Patterns are matched with filepath.Match against each segment, so ".venv"
// ignores the whole virtualenv tree and "*.log" ignores log files anywhere.
func IsIgnored(path string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	segments := strings.Split(filepath.ToSlash(filepath.Clean(path)), "/")
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		for _, pattern := range patterns {
			if matched, err := filepath.Match(pattern, segment); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// summarize compacts a burst of changed names into a short reason string.
func summarize(names []string) string {
	seen := make(map[string]bool)
	unique := make([]string, 0, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			unique = append(unique, name)
		}
	}
	const maxNames = 5
	if len(unique) > maxNames {
		return strings.Join(unique[:maxNames], ", ") + ", ..."
	}
	return strings.Join(unique, ", ")
}
