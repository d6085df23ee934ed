package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// FileRouteProvider serves route snapshots parsed from a local file and
// publishes a new snapshot whenever the file changes.
type FileRouteProvider struct {
	path   string
	logger *slog.Logger

	mu          sync.RWMutex
	snapshot    RouteSnapshot
	subscribers []chan RouteSnapshot
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
}

// NewFileRouteProvider loads path and starts watching it. The initial load
// must succeed; later parse failures are logged and the previous snapshot is
// kept.
func NewFileRouteProvider(path string, logger *slog.Logger) (*FileRouteProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &FileRouteProvider{path: absPath, logger: logger}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the latest snapshot.
func (p *FileRouteProvider) Current() RouteSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot
}

// Subscribe returns a channel that receives the current snapshot immediately
// and every later one. A slow consumer only ever sees the newest snapshot.
func (p *FileRouteProvider) Subscribe() <-chan RouteSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan RouteSnapshot, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.snapshot
	return ch
}

// Path returns the watched file.
func (p *FileRouteProvider) Path() string {
	return p.path
}

// Close stops the watcher. Subscriber channels are closed.
func (p *FileRouteProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()

	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	return err
}

func (p *FileRouteProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(reloadDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.load(); err != nil {
						p.logger.Error("routes reload failed, keeping previous routes", "path", p.path, "error", err)
						return
					}
					p.logger.Info("routes file reloaded", "path", p.path, "generation", p.Current().Generation)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("routes watcher error", "error", err)
		}
	}
}

func (p *FileRouteProvider) load() error {
	routes, err := LoadRoutes(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.snapshot = RouteSnapshot{
		Generation: p.snapshot.Generation + 1,
		LoadedAt:   time.Now(),
		Routes:     routes,
	}
	// Replace any undelivered snapshot so the send below never blocks.
	for _, ch := range p.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- p.snapshot
	}
	p.mu.Unlock()
	return nil
}
