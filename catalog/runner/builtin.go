package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog"
)

// SleepFunc pauses a task body. It returns ctx.Err() when ctx ends first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Builtin serves catalog tasks implemented in Go, keyed by "item@version"
// or by item alone for every version.
type Builtin struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

var _ Loader = (*Builtin)(nil)

// NewBuiltin returns an empty Builtin loader.
func NewBuiltin() *Builtin {
	return &Builtin{tasks: make(map[string]Task)}
}

// Register serves t for itemID@version, or for every version of itemID
// when version is "".
func (b *Builtin) Register(itemID, version string, t Task) {
	key := itemID
	if version != "" {
		key = itemID + "@" + version
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[key] = t
}

// Load implements Loader. dir is not consulted.
func (b *Builtin) Load(_ context.Context, d *catalog.Descriptor, _ string) (Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.tasks[d.Ref()]; ok {
		return t, nil
	}
	if t, ok := b.tasks[d.ItemID]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("jobboard/runner: builtin %s: %w", d.Ref(), jobboard.ErrLoaderNotFound)
}

// DefaultBuiltin returns a Builtin serving the bundled sample items:
// backup-config 1.0.0 and 2.0.0, system-health-check and
// user-registration.
func DefaultBuiltin(sleep SleepFunc) *Builtin {
	if sleep == nil {
		sleep = Sleep
	}
	b := NewBuiltin()
	b.Register("backup-config", "1.0.0", backupConfigV1(sleep))
	b.Register("backup-config", "2.0.0", backupConfigV2(sleep))
	b.Register("system-health-check", "", systemHealthCheck(sleep, nil))
	b.Register("user-registration", "", userRegistration(sleep))
	return b
}
