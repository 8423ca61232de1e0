package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "reviewremind/pkg/logx"
)

// Watch follows the config file until ctx is done. Changes are debounced,
// then re-read, validated and published. The directory is watched rather
// than the file so editors that replace the file are seen too. A watcher
// that fails or breaks is recreated with a capped, jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	changed := m.debounced(ctx)
	retry := &watchRetry{min: 250 * time.Millisecond, max: 5 * time.Second}

	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err != nil {
			m.log.Warn("config watch unavailable", logx.String("dir", dir), logx.Err(err))
			if !retry.wait(ctx) {
				break
			}
			continue
		}
		retry.reset()
		m.log.Debug("watching config", logx.String("path", m.path))

		err = m.follow(ctx, w, name, changed)
		_ = w.Close()
		if ctx.Err() != nil {
			break
		}
		m.log.Warn("config watcher broke; recreating", logx.Err(err))
		if !retry.wait(ctx) {
			break
		}
	}
	return nil
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// follow feeds events about name into changed. It returns when ctx is done
// or the watcher can no longer be trusted.
func (m *ConfigManager) follow(ctx context.Context, w *fsnotify.Watcher, name string, changed func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if ev.Op&relevantOps != 0 && filepath.Base(ev.Name) == name {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error channel closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; the file may have changed.
				m.log.Warn("config watch overflow; re-reading", logx.Err(err))
				changed()
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// debounced returns a trigger that re-reads the file once it has been quiet
// for m.debounce.
func (m *ConfigManager) debounced(ctx context.Context) func() {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			if ctx.Err() == nil {
				m.apply(ctx)
			}
		})
	}
}

// watchRetry is a doubling delay between min and max with up to 50% jitter.
type watchRetry struct {
	min, max, next time.Duration
}

func (r *watchRetry) reset() { r.next = r.min }

func (r *watchRetry) wait(ctx context.Context) bool {
	if r.next < r.min {
		r.next = r.min
	}
	d := r.next + time.Duration(rand.Int63n(int64(r.next/2)+1))
	r.next = min(r.next*2, r.max)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
