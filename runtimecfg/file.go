// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package runtimecfg

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gogama/retrystate/random"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultDebounce is how long a FileLoader waits after the last change
// to its file before reloading it.
const DefaultDebounce = 100 * time.Millisecond

// A FileLoader serves runtime values read from a YAML file.
//
// Integer values are used as is. Boolean values map to 100 (true) and 0
// (false), so they can switch percentage gates fully on or off. Values
// of any other type, and negative integers, are ignored with a warning.
type FileLoader struct {
	path     string
	random   random.Generator
	logger   *zap.Logger
	debounce time.Duration

	lock          sync.RWMutex
	current       *snapshot
	callbacks     []func(Snapshot)
	watcher       *fsnotify.Watcher
	debounceTimer *time.Timer
	done          chan struct{}
}

// Load reads the YAML file at path and returns a FileLoader serving its
// values. Parameter g supplies feature-gate samples (nil means
// random.Default) and logger receives reload diagnostics (nil means no
// logging).
func Load(path string, g random.Generator, logger *zap.Logger) (*FileLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &FileLoader{
		path:     path,
		random:   g,
		logger:   logger.With(zap.String("runtime_file", path)),
		debounce: DefaultDebounce,
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Snapshot returns the values of the most recent successful load.
func (l *FileLoader) Snapshot() Snapshot {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.current
}

// OnReload registers a callback invoked with the new snapshot after each
// successful reload.
func (l *FileLoader) OnReload(cb func(Snapshot)) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.callbacks = append(l.callbacks, cb)
}

// Reload re-reads the file. On error the previous values stay in
// effect.
func (l *FileLoader) Reload() error {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("retrystate/runtimecfg: read %s: %w", l.path, err)
	}

	var raw map[string]interface{}
	if err = yaml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("retrystate/runtimecfg: parse %s: %w", l.path, err)
	}

	values := make(map[string]uint64)
	l.flatten("", raw, values)
	s := newSnapshot(values, l.random)

	l.lock.Lock()
	l.current = s
	callbacks := make([]func(Snapshot), len(l.callbacks))
	copy(callbacks, l.callbacks)
	l.lock.Unlock()

	l.logger.Info("runtime values loaded", zap.Int("keys", len(values)))
	for _, cb := range callbacks {
		cb(s)
	}
	return nil
}

// Watch starts watching the file and reloads it, after a short quiet
// period, whenever it is written or replaced. Call Close to stop.
func (l *FileLoader) Watch() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("retrystate/runtimecfg: create watcher: %w", err)
	}
	if err = w.Add(l.path); err != nil {
		_ = w.Close()
		return fmt.Errorf("retrystate/runtimecfg: watch %s: %w", l.path, err)
	}

	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop(w, l.done)
	return nil
}

// Close stops watching. It is safe to call Close on a loader that is
// not watching, and to call it more than once.
func (l *FileLoader) Close() error {
	l.lock.Lock()
	w, done := l.watcher, l.done
	l.watcher, l.done = nil, nil
	if l.debounceTimer != nil {
		l.debounceTimer.Stop()
		l.debounceTimer = nil
	}
	l.lock.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}

func (l *FileLoader) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.scheduleReload()
			}
			// Editors that save by renaming replace the watched inode.
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if _, err := os.Stat(l.path); err == nil {
					if err = w.Add(l.path); err != nil {
						l.logger.Warn("runtime file re-watch failed", zap.Error(err))
					}
					l.scheduleReload()
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("runtime file watch error", zap.Error(err))
		}
	}
}

func (l *FileLoader) scheduleReload() {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.watcher == nil {
		return
	}
	if l.debounceTimer != nil {
		l.debounceTimer.Stop()
	}
	l.debounceTimer = time.AfterFunc(l.debounce, func() {
		if err := l.Reload(); err != nil {
			l.logger.Error("runtime file reload failed", zap.Error(err))
		}
	})
}

func (l *FileLoader) flatten(prefix string, raw map[string]interface{}, into map[string]uint64) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := raw[k].(type) {
		case map[string]interface{}:
			l.flatten(key, v, into)
		case int:
			if v < 0 {
				l.logger.Warn("negative runtime value ignored", zap.String("key", key), zap.Int("value", v))
				continue
			}
			into[key] = uint64(v)
		case uint64:
			into[key] = v
		case bool:
			if v {
				into[key] = 100
			} else {
				into[key] = 0
			}
		case string:
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				l.logger.Warn("non-integer runtime value ignored", zap.String("key", key), zap.String("value", v))
				continue
			}
			into[key] = n
		default:
			l.logger.Warn("unsupported runtime value ignored", zap.String("key", key), zap.Any("value", v))
		}
	}
}
