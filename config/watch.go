package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"cmdgate/policy"
)

// Loader owns a hot-reloadable GatekeeperConfig, following the same
// fsnotify-watch-the-containing-directory shape as
// allowlist.Store.WatchForExternalEdits.
type Loader struct {
	mu   sync.RWMutex
	cfg  GatekeeperConfig
	path string
	log  zerolog.Logger
}

// NewLoader loads path once and returns a Loader ready for ResolvePolicy
// calls; call Watch separately to start hot-reloading.
func NewLoader(path string, log zerolog.Logger) (*Loader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Loader{cfg: cfg, path: path, log: log}, nil
}

// ResolvePolicy resolves the current (possibly hot-reloaded) configuration
// for agentID. Its signature matches gatekeeper.Orchestrator.ResolvePolicy.
func (l *Loader) ResolvePolicy(agentID string) policy.Policy {
	l.mu.RLock()
	cfg := l.cfg
	l.mu.RUnlock()
	return ResolvePolicy(cfg, agentID)
}

// Watch starts an fsnotify watch on the config file's containing directory
// and reloads on any write/create/rename targeting path. It blocks until
// ctx is cancelled or the watcher fails to start.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			l.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (l *Loader) reload() {
	cfg, err := Load(l.path)
	if err != nil {
		l.log.Warn().Err(err).Msg("config reload failed, keeping previous config")
		return
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	l.log.Info().Str("path", l.path).Msg("config reloaded")
}
