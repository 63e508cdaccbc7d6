package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog/bundle"
)

// DeleteItem removes every version of itemID from the registry, then
// deletes bundles, working copies and mirror rows best effort. Cleanup
// failures are collected in the report. An unknown item wraps
// jobboard.ErrItemNotFound.
func (r *Registry) DeleteItem(ctx context.Context, itemID string) (*DeleteReport, error) {
	rep, err := r.deleteItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if err := r.mirrorWrite(ctx, "delete_item", []any{slog.String("item_id", itemID)},
		func(ctx context.Context, m Mirror) error { return m.DeleteItem(ctx, itemID) }); err != nil {
		rep.Errors.addf("mirror delete failed: %v", err)
	}

	r.logger.Info("catalog item deleted",
		slog.String("item_id", itemID),
		slog.Int("versions", rep.VersionsDeleted),
		slog.Int("errors", len(rep.Errors)),
	)
	return rep, nil
}

func (r *Registry) deleteItem(ctx context.Context, itemID string) (*DeleteReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	item, ok := doc.Items[itemID]
	if !ok {
		return nil, fmt.Errorf("jobboard/catalog: %s: %w", itemID, jobboard.ErrItemNotFound)
	}
	versions := sortedVersions(item.Versions)

	delete(doc.Items, itemID)
	if err := r.save(doc); err != nil {
		return nil, err
	}

	rep := &DeleteReport{
		Deleted:         true,
		ItemID:          itemID,
		VersionsDeleted: len(versions),
		ItemRemoved:     true,
		BundlesDeleted:  []string{},
		Errors:          Errors{},
	}
	for _, v := range versions {
		r.deleteBundle(ctx, itemID, v, rep)
	}
	r.removeDir(filepath.Join(r.root, itemID), rep)
	r.removeDir(filepath.Join(r.workDir, itemID), rep)
	return rep, nil
}

// DeleteVersion removes itemID@version from the registry, and the item
// itself when it was the last version, then cleans up best effort like
// DeleteItem.
func (r *Registry) DeleteVersion(ctx context.Context, itemID, version string) (*DeleteReport, error) {
	rep, err := r.deleteVersion(ctx, itemID, version)
	if err != nil {
		return nil, err
	}
	removed := rep.ItemRemoved

	op, fn := "delete_version", func(ctx context.Context, m Mirror) error { return m.DeleteVersion(ctx, itemID, version) }
	if removed {
		op, fn = "delete_item", func(ctx context.Context, m Mirror) error { return m.DeleteItem(ctx, itemID) }
	}
	if err := r.mirrorWrite(ctx, op, []any{slog.String("item_id", itemID), slog.String("version", version)}, fn); err != nil {
		rep.Errors.addf("mirror delete failed: %v", err)
	}

	r.logger.Info("catalog version deleted",
		slog.String("item_id", itemID),
		slog.String("version", version),
		slog.Bool("item_removed", removed),
		slog.Int("errors", len(rep.Errors)),
	)
	return rep, nil
}

func (r *Registry) deleteVersion(ctx context.Context, itemID, version string) (*DeleteReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	item, ok := doc.Items[itemID]
	if !ok {
		return nil, fmt.Errorf("jobboard/catalog: %s: %w", itemID, jobboard.ErrItemNotFound)
	}
	if _, ok := item.Versions[version]; !ok {
		return nil, fmt.Errorf("jobboard/catalog: %s@%s: %w", itemID, version, jobboard.ErrVersionNotFound)
	}

	delete(item.Versions, version)
	removed := len(item.Versions) == 0
	if removed {
		delete(doc.Items, itemID)
	}
	if err := r.save(doc); err != nil {
		return nil, err
	}

	rep := &DeleteReport{
		Deleted:         true,
		ItemID:          itemID,
		Version:         version,
		VersionsDeleted: 1,
		ItemRemoved:     removed,
		BundlesDeleted:  []string{},
		Errors:          Errors{},
	}
	r.deleteBundle(ctx, itemID, version, rep)
	if removed {
		r.removeDir(filepath.Join(r.root, itemID), rep)
		r.removeDir(filepath.Join(r.workDir, itemID), rep)
	} else {
		r.removeDir(filepath.Join(r.root, itemID, version), rep)
		r.removeDir(filepath.Join(r.workDir, itemID, version), rep)
	}
	return rep, nil
}

func (r *Registry) deleteBundle(ctx context.Context, itemID, version string, rep *DeleteReport) {
	err := r.blobs.Delete(ctx, itemID, version)
	switch {
	case err == nil:
		rep.BundlesDeleted = append(rep.BundlesDeleted, bundle.Key(itemID, version))
	case errors.Is(err, jobboard.ErrBundleNotFound):
	default:
		r.logger.Warn("bundle delete failed",
			slog.String("item_id", itemID),
			slog.String("version", version),
			slog.String("error", err.Error()),
		)
		rep.Errors.addf("failed to delete bundle %s: %v", bundle.Key(itemID, version), err)
	}
}

func (r *Registry) removeDir(dir string, rep *DeleteReport) {
	if !isDir(dir) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		r.logger.Warn("working copy delete failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		rep.Errors.addf("failed to delete %s: %v", dir, err)
		return
	}
	rep.BundlesDeleted = append(rep.BundlesDeleted, "local: "+dir)
}
