package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/xraph/jobboard/catalog/bundle"
)

// Files of a version directory.
const (
	ManifestFile = "manifest.yaml"
	SchemaFile   = "schema.json"
	UIFile       = "ui.json"
	MetaFile     = "meta.json"

	// TaskPattern matches the task source file ("task.py", "task.sh", ...).
	TaskPattern = "task.*"

	itemsDir = "items"
)

// legacyFiles are moved by MigrateLegacyLayout.
var legacyFiles = []string{ManifestFile, SchemaFile, UIFile, MetaFile, "task.py"}

// ErrNoDescriptor is returned when a directory lacks manifest.yaml or
// schema.json.
var ErrNoDescriptor = errors.New("jobboard/catalog: directory holds no catalog descriptor")

// LoadDir reads a version directory. schema.json is required; manifest,
// ui, meta, task source and the schemas named by the schema's
// "x-schema-map" are read when present. The returned descriptor has no
// ItemID, Version or StorageURI set.
func LoadDir(dir string) (*Descriptor, map[string]any, error) {
	d := &Descriptor{Active: true}

	if err := readJSON(filepath.Join(dir, SchemaFile), &d.Schema); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s: missing %s", ErrNoDescriptor, dir, SchemaFile)
		}
		return nil, nil, fmt.Errorf("jobboard/catalog: %s: %w", SchemaFile, err)
	}

	if data, err := os.ReadFile(filepath.Join(dir, ManifestFile)); err == nil {
		if err := yaml.Unmarshal(data, &d.Manifest); err != nil {
			return nil, nil, fmt.Errorf("jobboard/catalog: %s: %w", ManifestFile, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	if err := readJSON(filepath.Join(dir, UIFile), &d.UI); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("jobboard/catalog: %s: %w", UIFile, err)
	}

	var meta map[string]any
	if err := readJSON(filepath.Join(dir, MetaFile), &meta); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("jobboard/catalog: %s: %w", MetaFile, err)
	}

	if schemaMap, ok := d.Schema["x-schema-map"].(map[string]any); ok {
		for _, v := range schemaMap {
			name, ok := v.(string)
			if !ok || !filepath.IsLocal(name) {
				continue
			}
			var extra map[string]any
			if err := readJSON(filepath.Join(dir, name), &extra); err != nil {
				continue
			}
			if d.AdditionalSchemas == nil {
				d.AdditionalSchemas = make(map[string]map[string]any)
			}
			d.AdditionalSchemas[name] = extra
		}
	}

	if name := TaskFile(dir); name != "" {
		code, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, err
		}
		d.TaskFile = name
		d.TaskCode = string(code)
	}
	return d, meta, nil
}

// WriteDir writes d's files into dir. Existing files are kept unless
// overwrite is set; it reports whether anything was written.
func WriteDir(dir string, d *Descriptor, meta map[string]any, overwrite bool) (bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}

	type file struct {
		name string
		data func() ([]byte, error)
	}
	files := []file{
		{ManifestFile, func() ([]byte, error) { return yaml.Marshal(d.Manifest) }},
		{SchemaFile, func() ([]byte, error) { return json.MarshalIndent(d.Schema, "", "  ") }},
	}
	if len(d.UI) > 0 {
		files = append(files, file{UIFile, func() ([]byte, error) { return json.MarshalIndent(d.UI, "", "  ") }})
	}
	for name, schema := range d.AdditionalSchemas {
		if !filepath.IsLocal(name) {
			continue
		}
		files = append(files, file{name, func() ([]byte, error) { return json.MarshalIndent(schema, "", "  ") }})
	}
	if d.TaskCode != "" {
		name := d.TaskFile
		if name == "" {
			name = "task.py"
		}
		files = append(files, file{name, func() ([]byte, error) { return []byte(d.TaskCode), nil }})
	}
	if meta != nil {
		files = append(files, file{MetaFile, func() ([]byte, error) { return json.MarshalIndent(meta, "", "  ") }})
	}

	wrote := false
	for _, f := range files {
		p := filepath.Join(dir, f.name)
		if !overwrite && exists(p) {
			continue
		}
		data, err := f.data()
		if err != nil {
			return wrote, fmt.Errorf("jobboard/catalog: encode %s: %w", f.name, err)
		}
		if err := bundle.WriteFileAtomic(p, data, 0o644); err != nil {
			return wrote, fmt.Errorf("jobboard/catalog: write %s: %w", p, err)
		}
		wrote = true
	}
	return wrote, nil
}

// FindDescriptorRoot returns root when it holds manifest.yaml and
// schema.json, else the first items/<name> directory that does.
func FindDescriptorRoot(root string) (string, error) {
	if hasDescriptor(root) {
		return root, nil
	}
	entries, err := os.ReadDir(filepath.Join(root, itemsDir))
	if err == nil {
		for _, e := range entries {
			p := filepath.Join(root, itemsDir, e.Name())
			if e.IsDir() && hasDescriptor(p) {
				return p, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoDescriptor, root)
}

// ItemDir returns items/<itemID> under root when present, else root
// itself if it holds a descriptor.
func ItemDir(root, itemID string) (string, error) {
	nested := filepath.Join(root, itemsDir, itemID)
	if isDir(nested) {
		return nested, nil
	}
	if hasDescriptor(root) {
		return root, nil
	}
	return "", fmt.Errorf("%w: neither %s/%s nor catalog item files found", ErrNoDescriptor, itemsDir, itemID)
}

// HasTaskFile reports whether dir holds a task source file.
func HasTaskFile(dir string) bool { return TaskFile(dir) != "" }

// TaskFile returns the name of dir's task source file, "" when none.
func TaskFile(dir string) string {
	if !isDir(dir) {
		return ""
	}
	names, err := doublestar.Glob(os.DirFS(dir), TaskPattern, doublestar.WithFilesOnly())
	if err != nil || len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0]
}

func hasDescriptor(dir string) bool {
	return exists(filepath.Join(dir, ManifestFile)) && exists(filepath.Join(dir, SchemaFile))
}

func readJSON(p string, v any) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
