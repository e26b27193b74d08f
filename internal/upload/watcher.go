package upload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

const (
	// inboxDirPerm is used when creating a missing inbox directory.
	inboxDirPerm = fs.FileMode(0o755)

	// inboxDebounceInterval is how often pending events are checked.
	inboxDebounceInterval = 500 * time.Millisecond

	// inboxSettleTime is how long a file must go without writes before
	// it is admitted, so half-copied files are not hashed.
	inboxSettleTime = time.Second
)

// photoExtensions lists the file types admitted from the inbox.
var photoExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".heif": true,
	".webp": true,
	".dng":  true,
	".tif":  true,
	".tiff": true,
}

// InboxWatcher admits photos dropped into a directory.
type InboxWatcher struct {
	dir      string
	admitter Admitter
	logger   *slog.Logger
	settle   time.Duration
}

// NewInboxWatcher creates a watcher for dir.
func NewInboxWatcher(dir string, admitter Admitter, logger *slog.Logger) *InboxWatcher {
	return &InboxWatcher{dir: dir, admitter: admitter, logger: logger, settle: inboxSettleTime}
}

// IsPhoto reports whether name has an admitted photo extension and is
// not a hidden or temporary file.
func IsPhoto(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}

	return photoExtensions[strings.ToLower(filepath.Ext(base))]
}

// Run admits the photos already in the directory, then watches it until
// ctx is done.
func (w *InboxWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, inboxDirPerm); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.dir); err != nil {
		return fmt.Errorf("watching inbox dir: %w", err)
	}

	w.logger.Info("inbox watcher started", slog.String("dir", w.dir))

	if err := w.scan(ctx); err != nil {
		w.logger.Warn("initial inbox scan", slog.String("error", err.Error()))
	}

	// Keyed by NFC form so the two Unicode spellings of one name are
	// admitted once.
	pending := make(map[string]pendingFile)

	ticker := time.NewTicker(inboxDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			w.handleEvent(watcher, event, pending)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("inbox watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for id, p := range pending {
				if now.Sub(p.lastEvent) < w.settle {
					continue
				}

				delete(pending, id)
				w.admit(ctx, p.path)
			}
		}
	}
}

type pendingFile struct {
	path      string
	lastEvent time.Time
}

func (w *InboxWatcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event, pending map[string]pendingFile) {
	id := norm.NFC.String(event.Name)

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		delete(pending, id)
		_ = watcher.Remove(event.Name)

		return
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if event.Has(fsnotify.Create) {
		info, err := os.Lstat(event.Name)
		if err == nil && info.IsDir() {
			if !strings.HasPrefix(info.Name(), ".") {
				_ = w.addRecursive(watcher, event.Name)
			}

			return
		}
	}

	if !IsPhoto(event.Name) {
		return
	}

	pending[id] = pendingFile{path: event.Name, lastEvent: time.Now()}
}

// scan admits every photo already under the inbox.
func (w *InboxWatcher) scan(ctx context.Context) error {
	return filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if path != w.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if d.Type().IsRegular() && IsPhoto(path) {
			w.admit(ctx, path)
		}

		return nil
	})
}

func (w *InboxWatcher) admit(ctx context.Context, path string) {
	if _, _, err := w.admitter.Admit(ctx, path); err != nil {
		w.logger.Warn("admitting inbox file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// addRecursive adds dir and its non-hidden subdirectories to watcher.
func (w *InboxWatcher) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}
