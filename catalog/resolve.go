package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog/bundle"
)

// ResolveLocalPath returns a directory holding the task source of
// itemID@version. It prefers the local layout, then an extracted working
// copy, and otherwise extracts the stored bundle into the work directory.
// A present working copy is reused as is, even if the bundle changed since
// extraction. With no bundle the error wraps jobboard.ErrBundleNotFound.
func (r *Registry) ResolveLocalPath(ctx context.Context, itemID, version string) (string, error) {
	if dir := filepath.Join(r.root, itemID, version); HasTaskFile(dir) {
		return dir, nil
	}
	work := filepath.Join(r.workDir, itemID, version)
	if HasTaskFile(work) {
		return work, nil
	}

	data, err := r.blobs.Get(ctx, itemID, version)
	if err != nil {
		return "", fmt.Errorf("jobboard/catalog: resolve %s@%s: %w", itemID, version, err)
	}

	parent := filepath.Dir(work)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("jobboard/catalog: resolve %s@%s: %w", itemID, version, err)
	}
	tmp, err := os.MkdirTemp(parent, "."+version+".extract-*")
	if err != nil {
		return "", fmt.Errorf("jobboard/catalog: resolve %s@%s: %w", itemID, version, err)
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // gone after rename

	if err := bundle.Unpack(data, tmp); err != nil {
		return "", fmt.Errorf("jobboard/catalog: resolve %s@%s: %w", itemID, version, err)
	}
	src := tmp
	if !HasTaskFile(src) {
		if root, err := FindDescriptorRoot(tmp); err == nil && HasTaskFile(root) {
			src = root
		} else {
			return "", fmt.Errorf("jobboard/catalog: bundle %s has no task file: %w",
				bundle.Key(itemID, version), jobboard.ErrBundleNotFound)
		}
	}

	if err := os.Rename(src, work); err != nil {
		// A concurrent extraction may have won the rename.
		if HasTaskFile(work) {
			return work, nil
		}
		return "", fmt.Errorf("jobboard/catalog: resolve %s@%s: %w", itemID, version, err)
	}
	r.logger.Info("extracted catalog bundle",
		slog.String("item_id", itemID),
		slog.String("version", version),
		slog.String("dir", work),
	)
	return work, nil
}
