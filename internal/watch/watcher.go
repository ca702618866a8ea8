// Package watch reports files that appear in a directory once they have
// finished being written. A file is considered settled when no filesystem
// event has arrived for it within the settle interval and its size has not
// changed since the last event.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch error backoff bounds.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// minSettleCheck bounds how often pending files are checked.
const minSettleCheck = 50 * time.Millisecond

// ErrWatcherClosed is returned by Run when the underlying watcher closes its
// channels unexpectedly.
var ErrWatcherClosed = errors.New("watch: watcher closed")

// FsWatcher abstracts the filesystem watcher for testability.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWrapper adapts *fsnotify.Watcher, whose channels are struct
// fields, to FsWatcher.
type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWrapper{w: w}, nil
}

func (f *fsnotifyWrapper) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWrapper) Close() error                  { return f.w.Close() }
func (f *fsnotifyWrapper) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWrapper) Errors() <-chan error          { return f.w.Errors }

// Options configures a Watcher.
type Options struct {
	// Settle is how long a file must go without events before it is
	// reported.
	Settle time.Duration
	// Extensions restricts reported files to these lowercase suffixes,
	// each with its leading dot. Empty means every file.
	Extensions []string
	// Existing reports files already in the directory when Run starts.
	Existing bool
}

// Watcher watches one directory (not recursively).
type Watcher struct {
	dir    string
	opts   Options
	logger *slog.Logger

	newWatcher func() (FsWatcher, error)
	sleepFunc  func(ctx context.Context, d time.Duration) error
	nowFunc    func() time.Time
}

// New creates a Watcher for dir.
func New(dir string, opts Options, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:        dir,
		opts:       opts,
		logger:     logger,
		newWatcher: newFsnotifyWatcher,
		sleepFunc:  timeSleep,
		nowFunc:    time.Now,
	}
}

// pendingFile is a file seen recently but not yet settled.
type pendingFile struct {
	size      int64
	lastEvent time.Time
}

// Run watches until ctx is canceled, sending the path of every settled file
// to out. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, out chan<- string) error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("watch: %s is not a directory", w.dir)
	}

	fw, err := w.newWatcher()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch: watching %s: %w", w.dir, err)
	}

	pending := make(map[string]*pendingFile)

	if w.opts.Existing {
		w.scanExisting(pending)
	}

	w.logger.Info("watching directory",
		slog.String("dir", w.dir),
		slog.Duration("settle", w.opts.Settle),
		slog.Int("existing", len(pending)),
	)

	return w.watchLoop(ctx, fw, pending, out)
}

func (w *Watcher) watchLoop(ctx context.Context, fw FsWatcher, pending map[string]*pendingFile, out chan<- string) error {
	ticker := time.NewTicker(w.checkInterval())
	defer ticker.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events():
			if !ok {
				return ErrWatcherClosed
			}

			w.handleEvent(ev, pending)
			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-fw.Errors():
			if !ok {
				return ErrWatcherClosed
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if err := w.sleepFunc(ctx, errBackoff); err != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-ticker.C:
			for _, path := range w.settled(pending) {
				select {
				case out <- path:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (w *Watcher) checkInterval() time.Duration {
	return max(w.opts.Settle/4, minSettleCheck)
}

func (w *Watcher) handleEvent(ev fsnotify.Event, pending map[string]*pendingFile) {
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(pending, ev.Name)
		return
	}

	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if !w.matches(filepath.Base(ev.Name)) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil || !info.Mode().IsRegular() {
		delete(pending, ev.Name)
		return
	}

	if _, seen := pending[ev.Name]; !seen {
		w.logger.Debug("file appeared", slog.String("path", ev.Name))
	}

	pending[ev.Name] = &pendingFile{size: info.Size(), lastEvent: w.nowFunc()}
}

// settled removes and returns every pending file that has been quiet for the
// settle interval with an unchanged size. A file that grew without an event
// restarts its quiet period.
func (w *Watcher) settled(pending map[string]*pendingFile) []string {
	now := w.nowFunc()

	var ready []string

	for path, p := range pending {
		if now.Sub(p.lastEvent) < w.opts.Settle {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			delete(pending, path)
			continue
		}

		if info.Size() != p.size {
			p.size = info.Size()
			p.lastEvent = now

			continue
		}

		delete(pending, path)
		ready = append(ready, path)
	}

	return ready
}

func (w *Watcher) scanExisting(pending map[string]*pendingFile) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("scanning existing files", slog.String("dir", w.dir), slog.String("error", err.Error()))
		return
	}

	now := w.nowFunc()

	for _, e := range entries {
		if !e.Type().IsRegular() || !w.matches(e.Name()) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		pending[filepath.Join(w.dir, e.Name())] = &pendingFile{size: info.Size(), lastEvent: now}
	}
}

// matches reports whether a file name is eligible for upload.
func (w *Watcher) matches(name string) bool {
	if isAlwaysExcluded(name) {
		return false
	}

	if len(w.opts.Extensions) == 0 {
		return true
	}

	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range w.opts.Extensions {
		if ext == want {
			return true
		}
	}

	return false
}

// alwaysExcludedSuffixes are partial-write and editor artifacts that never
// represent a finished file.
var alwaysExcludedSuffixes = []string{
	".partial", ".tmp", ".swp", ".crdownload", ".part", ".download",
}

func isAlwaysExcluded(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~") {
		return true
	}

	lower := strings.ToLower(name)
	for _, suffix := range alwaysExcludedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
