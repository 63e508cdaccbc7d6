package catalog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog/bundle"
)

// Mirror is a secondary copy of the registry, typically relational.
// Writes to it never affect the registry's own outcome.
type Mirror interface {
	UpsertVersion(ctx context.Context, rec MirrorRecord) error
	DeleteVersion(ctx context.Context, itemID, version string) error
	DeleteItem(ctx context.Context, itemID string) error
}

// MirrorRecord is what the mirror stores for one version.
type MirrorRecord struct {
	Descriptor *Descriptor
	SizeBytes  int64
	Checksum   string
}

// MirrorStatus reports how current the mirror is. Failures counts the
// mirror writes that failed since the last successful one; a non-zero
// value means the mirror is stale.
type MirrorStatus struct {
	Enabled       bool       `json:"enabled"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
	Failures      int64      `json:"failures"`
	TotalFailures int64      `json:"total_failures"`
}

// Stale reports whether a mirror write failed after the last success.
func (s MirrorStatus) Stale() bool { return s.Failures > 0 }

type mirrorHealth struct {
	mu     sync.Mutex
	status MirrorStatus
}

func (h *mirrorHealth) record(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.status.LastSyncedAt = &at
		h.status.Failures = 0
		return
	}
	h.status.LastError = err.Error()
	h.status.LastErrorAt = &at
	h.status.Failures++
	h.status.TotalFailures++
}

func (h *mirrorHealth) snapshot() MirrorStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// MirrorStatus returns the mirror's staleness. Enabled is false when no
// mirror is configured.
func (r *Registry) MirrorStatus() MirrorStatus {
	s := r.health.snapshot()
	s.Enabled = r.mirror != nil
	return s
}

// mirrorWrite runs fn against the mirror with a bounded context. Its
// error is logged and recorded, then returned for inclusion in reports.
func (r *Registry) mirrorWrite(ctx context.Context, op string, attrs []any, fn func(context.Context, Mirror) error) error {
	if r.mirror == nil {
		return nil
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.mirrorTimeout)
	defer cancel()

	err := fn(mctx, r.mirror)
	r.health.record(r.now().UTC(), err)
	if err != nil {
		r.logger.Warn("catalog mirror write failed",
			append(attrs, slog.String("op", op), slog.String("error", err.Error()))...)
	}
	return err
}

func (r *Registry) mirrorUpsert(ctx context.Context, d *Descriptor) {
	rec := MirrorRecord{Descriptor: d}
	if data, err := r.blobs.Get(ctx, d.ItemID, d.Version); err == nil {
		obj := bundle.Describe("", "", data)
		rec.SizeBytes, rec.Checksum = obj.Size, obj.Checksum
	} else if !errors.Is(err, jobboard.ErrBundleNotFound) {
		r.logger.Debug("bundle unavailable for mirror checksum",
			slog.String("item_id", d.ItemID),
			slog.String("version", d.Version),
			slog.String("error", err.Error()),
		)
	}
	//nolint:errcheck // recorded in mirror status
	r.mirrorWrite(ctx, "upsert", []any{slog.String("item_id", d.ItemID), slog.String("version", d.Version)},
		func(ctx context.Context, m Mirror) error { return m.UpsertVersion(ctx, rec) })
}
