package notify

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce = 100 * time.Millisecond
	defaultQuiet    = 500 * time.Millisecond
)

// File watches the SQLite session file (and its WAL) for writes made by
// other processes. Writes the file cannot attribute are reported with an
// empty key, meaning "anything may have changed". Events arriving shortly
// after a local Publish are treated as our own.
type File struct {
	path     string
	debounce time.Duration
	quiet    time.Duration
	now      func() time.Time

	mu        sync.Mutex
	lastLocal time.Time
}

func NewFile(path string) *File {
	return &File{
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		quiet:    defaultQuiet,
		now:      time.Now,
	}
}

func (f *File) Publish(context.Context, string) error {
	f.mu.Lock()
	f.lastLocal = f.now()
	f.mu.Unlock()
	return nil
}

func (f *File) Listen(ctx context.Context, fn func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("file watcher: %w", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !f.relevant(event) || f.ownWrite() {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(f.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			if !f.ownWrite() {
				fn("")
			}
		}
	}
}

func (f *File) Close() error { return nil }

func (f *File) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Clean(event.Name)
	if strings.HasSuffix(name, "-shm") {
		return false
	}
	return name == f.path || name == f.path+"-wal"
}

func (f *File) ownWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.lastLocal.IsZero() && f.now().Sub(f.lastLocal) < f.quiet
}
