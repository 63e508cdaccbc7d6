package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Latest selects the lexicographically greatest registered version.
const Latest = "latest"

// Manifest describes a catalog item version.
type Manifest struct {
	ID          string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Entrypoint  string            `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Extra holds manifest keys not modeled above, kept for round trips.
	Extra map[string]any `json:"-" yaml:",inline"`
}

type manifestFields Manifest

var manifestKeys = []string{"id", "name", "version", "description", "entrypoint", "tags", "labels"}

// MarshalJSON writes the modeled fields and Extra as one object.
func (m Manifest) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(manifestFields(m))
	if err != nil || len(m.Extra) == 0 {
		return known, err
	}
	merged := make(map[string]json.RawMessage, len(m.Extra)+len(manifestKeys))
	for k, v := range m.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("manifest key %q: %w", k, err)
		}
		merged[k] = raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the modeled fields and collects the rest in Extra.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var f manifestFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, k := range manifestKeys {
		delete(rest, k)
	}
	f.Extra = nil
	if len(rest) > 0 {
		f.Extra = rest
	}
	*m = Manifest(f)
	return nil
}

// sameManifest compares manifests by their JSON form, so Extra values
// decoded from YAML and from JSON compare equal.
func sameManifest(a, b Manifest) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// ItemID returns the manifest id, falling back to its name.
func (m Manifest) ItemID() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Name
}

// DefaultManifest is synthesized for imports that carry no manifest.
func DefaultManifest(itemID, version string) Manifest {
	return Manifest{
		ID:          itemID,
		Name:        itemID,
		Version:     version,
		Description: "Imported catalog item: " + itemID,
		Entrypoint:  "task:run",
		Tags:        []string{"imported"},
	}
}

// Descriptor is one registered version of a catalog item.
type Descriptor struct {
	ItemID  string `json:"-"`
	Version string `json:"-"`

	Manifest          Manifest                  `json:"manifest"`
	Schema            map[string]any            `json:"schema"`
	UI                map[string]any            `json:"ui,omitempty"`
	AdditionalSchemas map[string]map[string]any `json:"additional_schemas,omitempty"`
	StorageURI        string                    `json:"storage_uri"`
	Source            map[string]any            `json:"source,omitempty"`
	Active            bool                      `json:"active"`

	// TaskFile and TaskCode carry the task source when the version was
	// registered from a local directory.
	TaskFile string `json:"task_file,omitempty"`
	TaskCode string `json:"task_code,omitempty"`
}

// Ref returns "item@version".
func (d *Descriptor) Ref() string { return d.ItemID + "@" + d.Version }

// ItemSummary is one entry of ListItems.
type ItemSummary struct {
	ID       string   `json:"id"`
	Versions []string `json:"versions"`
	Latest   string   `json:"latest,omitempty"`
}

// ──────────────────────────────────────────────────
// Reports
// ──────────────────────────────────────────────────

// Errors collects best-effort failures that did not abort an operation.
type Errors []string

func (e *Errors) addf(format string, args ...any) {
	*e = append(*e, fmt.Sprintf(format, args...))
}

// DeleteReport describes a deletion. The registry entry is gone whenever
// Deleted is true; Errors lists the cleanup steps that failed.
type DeleteReport struct {
	Deleted         bool     `json:"deleted"`
	ItemID          string   `json:"item_id"`
	Version         string   `json:"version,omitempty"`
	VersionsDeleted int      `json:"versions_deleted"`
	ItemRemoved     bool     `json:"item_removed"`
	BundlesDeleted  []string `json:"bundles_deleted"`
	Errors          Errors   `json:"errors"`
}

// SyncReport is the result of SyncWithLocalFilesystem.
type SyncReport struct {
	SyncTimestamp   time.Time `json:"sync_timestamp"`
	ItemsAdded      []string  `json:"items_added"`
	ItemsRemoved    []string  `json:"items_removed"`
	VersionsAdded   []string  `json:"versions_added"`
	VersionsUpdated []string  `json:"versions_updated"`
	VersionsRemoved []string  `json:"versions_removed"`
	Errors          Errors    `json:"errors"`
}

// LocalToRegistryReport is the result of SyncLocalToRegistry.
type LocalToRegistryReport struct {
	Added  []string `json:"added"`
	Errors Errors   `json:"errors"`
}

// RegistryToLocalReport is the result of SyncRegistryToLocal.
type RegistryToLocalReport struct {
	Created []string `json:"created"`
	Errors  Errors   `json:"errors"`
}

// BundleSyncReport is the result of SyncBundles.
type BundleSyncReport struct {
	Synced     []string `json:"synced"`
	TotalFiles int      `json:"total_files"`
	Errors     Errors   `json:"errors"`
}

// Migration records one item moved from the flat layout.
type Migration struct {
	ItemID     string   `json:"item_id"`
	Version    string   `json:"version"`
	MovedFiles []string `json:"moved_files"`
	NewPath    string   `json:"new_path"`
}

// FullSyncReport chains migration and both sync directions.
type FullSyncReport struct {
	Migrated        []Migration            `json:"migrated"`
	LocalToRegistry *LocalToRegistryReport `json:"local_to_registry"`
	RegistryToLocal *RegistryToLocalReport `json:"registry_to_local"`
}

// ItemVersions names an item and some of its versions.
type ItemVersions struct {
	ItemID   string   `json:"item_id"`
	Versions []string `json:"versions"`
}

// VersionMismatch lists the differences for an item present on both sides.
type VersionMismatch struct {
	ItemID            string   `json:"item_id"`
	RegistryVersions  []string `json:"registry_versions"`
	LocalVersions     []string `json:"local_versions"`
	MissingInRegistry []string `json:"missing_in_registry"`
	MissingLocally    []string `json:"missing_locally"`
}

// SyncStatus compares the registry with the local layout.
type SyncStatus struct {
	InSync             bool              `json:"in_sync"`
	RegistryOnly       []ItemVersions    `json:"registry_only"`
	LocalOnly          []ItemVersions    `json:"local_only"`
	VersionMismatches  []VersionMismatch `json:"version_mismatches"`
	TotalRegistryItems int               `json:"total_registry_items"`
	TotalLocalItems    int               `json:"total_local_items"`
}
