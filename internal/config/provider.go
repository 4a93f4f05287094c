package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 500 * time.Millisecond

// Provider serves the current poke parameter bundle. Resolve is lock-free and
// safe from any goroutine; Watch hot-reloads the bundle when the config file
// changes on disk.
type Provider struct {
	path    string
	current atomic.Pointer[Params]
}

// NewProvider loads the initial bundle from path. A missing or unparseable
// file degrades to the documented defaults; invalid bounds are surfaced and
// the provider still starts on defaults so the caller can decide.
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	defaults := DefaultParams()
	p.current.Store(&defaults)
	err := p.Reload()
	return p, err
}

// Resolve returns the current parameter snapshot.
func (p *Provider) Resolve() Params {
	return *p.current.Load()
}

// Reload re-reads the poke section from disk. Missing/unparseable files fall
// back to defaults; a parseable file with invalid bounds keeps the previous
// snapshot and returns the validation error.
func (p *Provider) Reload() error {
	body, err := os.ReadFile(p.path)
	if err != nil {
		defaults := DefaultParams()
		p.current.Store(&defaults)
		return fmt.Errorf("read params: %w", err)
	}

	cfg := Config{Poke: defaultPokeConfig()}
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		defaults := DefaultParams()
		p.current.Store(&defaults)
		return fmt.Errorf("unmarshal params: %w", err)
	}

	params := cfg.Poke.params()
	if err := params.Validate(); err != nil {
		return err
	}
	p.current.Store(&params)
	return nil
}

// Watch re-reads the file on write/create events until ctx is done. Editors
// replace files on save, so the parent directory is watched and events are
// debounced.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", dir, err)
	}

	target := filepath.Clean(p.path)
	var pending *time.Timer
	pendingC := make(chan struct{}, 1)

	schedule := func() {
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(reloadDebounce, func() {
			select {
			case pendingC <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("event=config_watch_error path=%s err=%v", p.path, watchErr)
		case <-pendingC:
			if err := p.Reload(); err != nil {
				log.Printf("event=params_reload_failed path=%s err=%v", p.path, err)
				continue
			}
			params := p.Resolve()
			log.Printf("event=params_reloaded path=%s threshold_bounds=%d..%d silence_bounds=%s..%s decay_interval=%s",
				p.path, params.MinPokeCount, params.MaxPokeCount, params.MinSilence, params.MaxSilence, params.DecayInterval)
		}
	}
}
