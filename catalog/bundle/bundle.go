// Package bundle packs catalog item directories into gzip-compressed
// tarballs and keeps them in a blob store.
//
// A bundle is named "{item}@{version}.tar.gz" and holds the version
// directory's files at its root ("./manifest.yaml", "./schema.json", ...).
package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Extensions recognized as bundles.
var Extensions = []string{".tar.gz", ".tgz"}

// Key returns the blob name of itemID@version.
func Key(itemID, version string) string {
	return itemID + "@" + version + ".tar.gz"
}

// ParseKey splits a blob name such as "backup-config@1.0.0.tar.gz".
func ParseKey(name string) (itemID, version string, ok bool) {
	base := path.Base(filepath.ToSlash(name))
	trimmed := ""
	for _, ext := range Extensions {
		if strings.HasSuffix(base, ext) {
			trimmed = strings.TrimSuffix(base, ext)
			break
		}
	}
	if trimmed == "" {
		return "", "", false
	}
	itemID, version, ok = strings.Cut(trimmed, "@")
	if !ok || itemID == "" || version == "" {
		return "", "", false
	}
	return itemID, version, true
}

// Object describes a stored bundle.
type Object struct {
	Key      string `json:"key"`
	URI      string `json:"uri"`
	Size     int64  `json:"size_bytes"`
	Checksum string `json:"checksum_sha256"`
}

// Describe sizes and checksums data.
func Describe(key, uri string, data []byte) Object {
	sum := sha256.Sum256(data)
	return Object{
		Key:      key,
		URI:      uri,
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}
}

// ──────────────────────────────────────────────────
// Pack / Unpack
// ──────────────────────────────────────────────────

// Pack archives every regular file and directory under dir.
func Pack(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = "./" + filepath.ToSlash(rel)
		if rel == "." {
			hdr.Name = "./"
		} else if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck // read-only
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("jobboard/bundle: pack %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("jobboard/bundle: pack %s: %w", dir, err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("jobboard/bundle: pack %s: %w", dir, err)
	}
	return buf.Bytes(), nil
}

// ErrUnsafePath is returned when an archive entry would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("jobboard/bundle: archive entry escapes destination")

// Unpack extracts a bundle into dest, creating it if needed. Symlinks and
// other special entries are skipped.
func Unpack(data []byte, dest string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("jobboard/bundle: unpack: %w", err)
	}
	defer gz.Close() //nolint:errcheck // reader

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("jobboard/bundle: unpack: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("jobboard/bundle: unpack: %w", err)
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." || name == "" {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("jobboard/bundle: unpack: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("jobboard/bundle: unpack %s: %w", name, err)
			}
		}
	}
}

func writeEntry(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close() //nolint:errcheck,gosec // already failing
		return err
	}
	return f.Close()
}

// ──────────────────────────────────────────────────
// Atomic writes
// ──────────────────────────────────────────────────

// WriteFileAtomic writes data to a temporary file in the target directory
// and renames it over name, so readers never observe a partial file.
func WriteFileAtomic(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) } //nolint:errcheck,gosec // best effort

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		cleanup()
		return err
	}
	return nil
}
