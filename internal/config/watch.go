package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

// RuleWatcher reloads the selection rules when the config file changes on
// disk. Only the [[rules]] entries take effect without a restart; structural
// settings still need one. Invalid edits keep the last good rules.
type RuleWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	rules []remediate.SelectionRule

	// Editors produce bursts of write events; reloads are debounced.
	pendingMu sync.Mutex
	pending   *time.Timer

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRuleWatcher creates a watcher seeded with the initially loaded rules.
func NewRuleWatcher(path string, initial []remediate.SelectionRule) (*RuleWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RuleWatcher{
		path:    path,
		watcher: fsWatcher,
		rules:   initial,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Rules returns the current rule set. Safe for concurrent use; handed to the
// reconciler and scanner as their rules source.
func (w *RuleWatcher) Rules() []remediate.SelectionRule {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rules
}

// Start begins watching the config file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func (w *RuleWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.path == "" {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true

	w.wg.Add(1)
	go func() { defer w.wg.Done(); w.loop(w.ctx) }()
	log.Info().Str("path", w.path).Msg("Watching config file for rule changes")
	return nil
}

// Stop stops the watcher.
func (w *RuleWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.cancel()
	w.watcher.Close()
	w.wg.Wait()
}

func (w *RuleWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *RuleWatcher) scheduleReload() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(500*time.Millisecond, w.reload)
}

func (w *RuleWatcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Msg("Config reload failed, keeping previous rules")
		return
	}

	w.mu.Lock()
	w.rules = cfg.Rules
	w.mu.Unlock()

	log.Info().Int("rules", len(cfg.Rules)).Msg("Selection rules reloaded")
}
