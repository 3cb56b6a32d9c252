package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the current Engine. Readers take a snapshot with Engine and
// keep using it for the whole case, so a reload never changes the policy
// mid-evaluation.
type Holder struct {
	current atomic.Pointer[Engine]
	reloads atomic.Int64
	logger  *slog.Logger

	mu     sync.Mutex
	onSwap []func(*Engine)
}

// NewHolder returns a Holder serving e.
func NewHolder(e *Engine) *Holder {
	h := &Holder{logger: slog.Default().With("component", "policy")}
	h.current.Store(e)
	return h
}

// Engine returns the current engine.
func (h *Holder) Engine() *Engine {
	return h.current.Load()
}

// Swap installs a new engine and returns the previous one.
func (h *Holder) Swap(e *Engine) *Engine {
	h.reloads.Add(1)
	prev := h.current.Swap(e)

	h.mu.Lock()
	hooks := h.onSwap
	h.mu.Unlock()
	for _, fn := range hooks {
		fn(e)
	}
	return prev
}

// OnSwap registers fn to run after every swap.
func (h *Holder) OnSwap(fn func(*Engine)) {
	h.mu.Lock()
	h.onSwap = append(h.onSwap, fn)
	h.mu.Unlock()
}

// Reloads returns how many times the engine has been swapped.
func (h *Holder) Reloads() int64 {
	return h.reloads.Load()
}

// Reload compiles the policy at path and swaps it in. On error the current
// engine keeps serving.
func (h *Holder) Reload(path string, opts ...Option) error {
	next, err := LoadEngine(path, opts...)
	if err != nil {
		return err
	}
	prev := h.Swap(next)

	from := ""
	if prev != nil {
		from = prev.Version()
	}
	h.logger.Info("policy reloaded", "path", path, "from_version", from, "to_version", next.Version())
	return nil
}

// Watch reloads the policy whenever the file at path changes, until ctx is
// cancelled. The parent directory is watched so editors that replace the file
// by rename are still seen. Bursts of events within debounce trigger a single
// reload.
func (h *Holder) Watch(ctx context.Context, path string, debounce time.Duration, opts ...Option) error {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	h.logger.Info("policy watcher started", "path", abs, "debounce_ms", debounce.Milliseconds())

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("policy watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := h.Reload(abs, opts...); err != nil {
					h.logger.Error("policy reload failed", "path", abs, "error", err)
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			h.logger.Error("policy watcher error", "error", err)
		}
	}
}
