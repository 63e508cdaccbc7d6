package importer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"regexp"
	"strings"

	"github.com/xraph/jobboard"
	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/catalog/bundle"
)

// GitRunner runs one git command in dir.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) error
}

// ExecGit runs the git binary.
type ExecGit struct {
	// Binary defaults to "git".
	Binary string
}

// Run implements GitRunner. A failure carries git's stderr.
func (g ExecGit) Run(ctx context.Context, dir string, args ...string) error {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// GitRequest is the payload of sync_catalog_item_from_git. Either Ref
// ("item@gitref") or ItemID with exactly one of Version and Branch names
// what to fetch.
type GitRequest struct {
	RepoURL string `json:"repo_url"`
	Ref     string `json:"ref,omitempty"`
	ItemID  string `json:"item_id,omitempty"`
	Version string `json:"version,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// GitResult is returned by ImportGit.
type GitResult struct {
	ItemID     string `json:"item_id"`
	Version    string `json:"version"`
	BundlePath string `json:"bundle_path"`
	RepoURL    string `json:"repo_url"`
	Ref        string `json:"ref"`
}

// gitTarget is a resolved GitRequest.
type gitTarget struct {
	itemID  string
	gitRef  string
	version string // "" means take it from the manifest
	tag     bool
	ref     string
}

var versionLike = regexp.MustCompile(`^[0-9A-Za-z.\-]+$`)

func (r GitRequest) target() (gitTarget, error) {
	if r.RepoURL == "" {
		return gitTarget{}, fmt.Errorf("%w: repo_url is required", jobboard.ErrInvalidManifest)
	}
	if r.Ref != "" {
		if r.Version != "" || r.Branch != "" {
			return gitTarget{}, fmt.Errorf("jobboard/importer: ref %q given with version or branch: %w", r.Ref, jobboard.ErrRefConflict)
		}
		itemID, gitRef, ok := strings.Cut(r.Ref, "@")
		if !ok || itemID == "" || gitRef == "" {
			return gitTarget{}, fmt.Errorf("%w: ref must be in format <item>@<version>", jobboard.ErrInvalidManifest)
		}
		t := gitTarget{itemID: itemID, gitRef: gitRef, tag: true, ref: r.Ref}
		if versionLike.MatchString(gitRef) {
			t.version = strings.TrimLeft(gitRef, "v")
		}
		return t, nil
	}

	if r.ItemID == "" {
		return gitTarget{}, fmt.Errorf("%w: ref or item_id is required", jobboard.ErrInvalidManifest)
	}
	switch {
	case r.Version != "" && r.Branch != "", r.Version == "" && r.Branch == "":
		return gitTarget{}, fmt.Errorf("jobboard/importer: %s: %w", r.ItemID, jobboard.ErrRefConflict)
	case r.Version != "":
		return gitTarget{
			itemID:  r.ItemID,
			gitRef:  r.Version,
			version: strings.TrimLeft(r.Version, "v"),
			tag:     true,
			ref:     r.ItemID + "@" + r.Version,
		}, nil
	default:
		return gitTarget{itemID: r.ItemID, gitRef: r.Branch, ref: r.ItemID + "@" + r.Branch}, nil
	}
}

// Validate reports a missing repository, a malformed ref or a
// version/branch conflict without fetching anything.
func (r GitRequest) Validate() error {
	_, err := r.target()
	return err
}

// ImportGit fetches a ref from a repository, validates the item it holds
// and registers it. The item lives in items/<id>/ or at the repository
// root. Its manifest id or name must equal the requested item, and its
// version must equal the version taken from the ref.
func (i *Importer) ImportGit(ctx context.Context, req GitRequest) (any, error) {
	t, err := req.target()
	if err != nil {
		return nil, err
	}
	if err := checkRef(t.itemID, "x"); err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "jobboard-git-*")
	if err != nil {
		return nil, fmt.Errorf("jobboard/importer: %w", err)
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // temp dir

	i.step(ctx, 10, "Cloning repository")
	if err := i.fetch(ctx, tmp, req.RepoURL, t); err != nil {
		return nil, err
	}

	i.step(ctx, 30, "Processing repository structure")
	dir, err := catalog.ItemDir(tmp, t.itemID)
	if err != nil {
		return nil, err
	}

	i.step(ctx, 50, "Validating catalog item")
	d, _, err := catalog.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	version := t.version
	if version == "" {
		version = d.Manifest.Version
	}
	if id := d.Manifest.ItemID(); id != t.itemID {
		return nil, fmt.Errorf("%w: manifest id/name %q must match item_id %q from %s",
			jobboard.ErrInvalidManifest, id, t.itemID, t.ref)
	}
	if d.Manifest.Version != version {
		return nil, fmt.Errorf("%w: manifest version %q must match version %q from %s",
			jobboard.ErrInvalidManifest, d.Manifest.Version, version, t.ref)
	}
	if err := catalog.ValidateManifest(d.Manifest); err != nil {
		return nil, err
	}
	if err := catalog.ValidateSchema(d.Schema); err != nil {
		return nil, err
	}
	if err := checkRef(t.itemID, version); err != nil {
		return nil, err
	}

	i.step(ctx, 70, "Creating bundle")
	data, err := bundle.Pack(dir)
	if err != nil {
		return nil, fmt.Errorf("jobboard/importer: pack: %w", err)
	}
	obj, err := i.registry.Blobs().Put(ctx, t.itemID, version, data)
	if err != nil {
		return nil, err
	}

	i.step(ctx, 90, "Updating catalog registry")
	d.StorageURI = obj.URI
	d.Source = map[string]any{
		"source":         "git-sync",
		"repo":           req.RepoURL,
		"ref":            t.ref,
		"path":           path.Join("items", t.itemID),
		"sync_timestamp": i.timestamp(),
	}
	if err := i.registry.UpsertVersion(ctx, t.itemID, version, d); err != nil {
		return nil, err
	}

	i.logger.Info("catalog item synced from git",
		slog.String("item_id", t.itemID),
		slog.String("version", version),
		slog.String("repo", req.RepoURL),
		slog.String("ref", t.gitRef),
	)
	return &GitResult{
		ItemID:     t.itemID,
		Version:    version,
		BundlePath: obj.URI,
		RepoURL:    req.RepoURL,
		Ref:        t.ref,
	}, nil
}

// fetch checks out t into dir, trying a tag first when t is a version.
func (i *Importer) fetch(ctx context.Context, dir, repoURL string, t gitTarget) error {
	if err := i.git.Run(ctx, dir, "init"); err != nil {
		return err
	}
	if err := i.git.Run(ctx, dir, "remote", "add", "origin", repoURL); err != nil {
		return err
	}

	if t.tag {
		err := i.git.Run(ctx, dir, "fetch", "--depth", "1", "--tags", "origin", t.gitRef)
		if err == nil {
			err = i.git.Run(ctx, dir, "checkout", "FETCH_HEAD")
		}
		if err == nil {
			return nil
		}
		i.logger.Debug("tag fetch failed, trying branch",
			slog.String("ref", t.gitRef),
			slog.String("error", err.Error()),
		)
	}

	err := i.git.Run(ctx, dir, "fetch", "--depth", "1", "origin", t.gitRef)
	if err == nil {
		err = i.git.Run(ctx, dir, "checkout", "FETCH_HEAD")
	}
	if err != nil {
		return fmt.Errorf("jobboard/importer: failed to fetch %q as tag or branch: %w", t.gitRef, err)
	}
	return nil
}
