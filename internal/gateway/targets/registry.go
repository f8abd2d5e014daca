package targets

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mrmushfiq/api-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/api-gateway/internal/shared/config"
	"go.uber.org/zap"
)

// Registry maps target names to upstream base URLs
type Registry struct {
	mu      sync.RWMutex
	targets map[string]string
	base    map[string]string
	logger  *zap.Logger
}

// New creates a registry from a name -> base URL map. base is kept so that a
// reloaded targets file is always merged over the same starting set.
func New(base map[string]string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		base:   copyMap(base),
		logger: logger,
	}
	if err := r.Replace(nil); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the base URL for name
func (r *Registry) Resolve(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	base, ok := r.targets[name]
	if !ok {
		return "", apierror.New(apierror.KindUnknownTarget, fmt.Sprintf("unknown target: %s", name))
	}
	return base, nil
}

// Names returns the configured target names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Replace swaps in the base targets overlaid with overrides. The current set
// is left untouched if any URL is invalid or the result is empty.
func (r *Registry) Replace(overrides map[string]string) error {
	next := copyMap(r.base)
	for name, u := range overrides {
		next[name] = u
	}
	if len(next) == 0 {
		return fmt.Errorf("no upstream targets configured")
	}
	for name, u := range next {
		if err := validateURL(u); err != nil {
			return fmt.Errorf("target %q: %w", name, err)
		}
	}

	r.mu.Lock()
	r.targets = next
	r.mu.Unlock()
	return nil
}

// Watch reloads path whenever it changes until ctx is cancelled. The parent
// directory is watched so editors that replace the file are picked up too.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create targets watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				r.reload(path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("targets watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}

func (r *Registry) reload(path string) {
	fileTargets, err := config.LoadTargetsFile(path)
	if err != nil {
		r.logger.Warn("keeping previous targets", zap.String("file", path), zap.Error(err))
		return
	}
	// a truncated file shows up between the truncate and the write
	if len(fileTargets) == 0 {
		r.logger.Debug("ignoring empty targets file", zap.String("file", path))
		return
	}
	if err := r.Replace(fileTargets); err != nil {
		r.logger.Warn("keeping previous targets", zap.String("file", path), zap.Error(err))
		return
	}
	r.logger.Info("targets reloaded", zap.Strings("targets", r.Names()))
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
