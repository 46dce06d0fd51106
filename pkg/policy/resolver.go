package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/salonguard/pkg/auth"
	"github.com/platinummonkey/salonguard/pkg/observability"
)

// reloadDelay coalesces the burst of events editors emit for one save
const reloadDelay = 250 * time.Millisecond

// LoadFile reads and validates a YAML policy table. Tiers missing from
// the file are taken from fallback, so a file may only list rules.
func LoadFile(path string, fallback map[auth.Role]Quota) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	if t.Tiers == nil {
		t.Tiers = make(map[auth.Role]Quota, len(fallback))
	}
	for role, q := range fallback {
		if _, ok := t.Tiers[role]; !ok {
			t.Tiers[role] = q
		}
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return &t, nil
}

// Resolver serves lookups against the current table. The table can be
// swapped at runtime; in-flight lookups keep the table they started with.
type Resolver struct {
	table    atomic.Pointer[Table]
	fallback map[auth.Role]Quota
	logger   *observability.Logger
	reloads  atomic.Int64
}

// NewResolver creates a resolver serving table
func NewResolver(table *Table, logger *observability.Logger) *Resolver {
	r := &Resolver{fallback: table.Tiers, logger: logger.Component("policy")}
	r.table.Store(table)
	return r
}

// Resolve returns the decision for one request
func (r *Resolver) Resolve(method, path string, role auth.Role) Decision {
	return r.table.Load().Resolve(method, path, role)
}

// Current returns the table in use
func (r *Resolver) Current() *Table {
	return r.table.Load()
}

// Reloads returns how many times a file reload succeeded
func (r *Resolver) Reloads() int64 {
	return r.reloads.Load()
}

// Reload replaces the table with the contents of path. On any error the
// previous table stays in place.
func (r *Resolver) Reload(path string) error {
	t, err := LoadFile(path, r.fallback)
	if err != nil {
		r.logger.WithError(err).WithField("path", path).Warn("Policy reload rejected, keeping previous table")
		return err
	}
	r.table.Store(t)
	r.reloads.Add(1)
	r.logger.WithFields(map[string]interface{}{
		"path":  path,
		"rules": len(t.Rules),
	}).Info("Policy table reloaded")
	return nil
}

// Watch reloads path whenever it changes, until ctx is done. The parent
// directory is watched so atomic rename-into-place saves are seen.
func (r *Resolver) Watch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	r.logger.WithField("path", abs).Info("Watching policy file for changes")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.logger.WithField("op", event.Op.String()).Debug("Policy file changed")
			pending = time.After(reloadDelay)
		case <-pending:
			pending = nil
			_ = r.Reload(abs)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithError(err).Warn("Policy watcher error")
		}
	}
}
