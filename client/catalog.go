package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/xraph/jobboard/api"
	"github.com/xraph/jobboard/catalog"
	"github.com/xraph/jobboard/catalog/importer"
)

// ListItems returns every registered catalog item.
func (c *Client) ListItems(ctx context.Context) ([]catalog.ItemSummary, error) {
	var out struct {
		Items []catalog.ItemSummary `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/catalog", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListVersions returns the versions of itemID, newest first.
func (c *Client) ListVersions(ctx context.Context, itemID string) ([]string, error) {
	var out struct {
		Versions []string `json:"versions"`
	}
	path := "/catalog/" + url.PathEscape(itemID) + "/versions"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Descriptor returns the manifest and schemas of one version. version may
// be "latest".
func (c *Client) Descriptor(ctx context.Context, itemID, version string) (*api.DescriptorResponse, error) {
	var out api.DescriptorResponse
	path := "/catalog/" + url.PathEscape(itemID) + "/" + url.PathEscape(version) + "/descriptor"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteVersion removes one version of an item.
func (c *Client) DeleteVersion(ctx context.Context, itemID, version string) error {
	path := "/catalog/" + url.PathEscape(itemID) + "/" + url.PathEscape(version)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// ImportItem queues a JSON catalog import.
func (c *Client) ImportItem(ctx context.Context, req importer.ImportRequest) (*api.ImportQueued, error) {
	var out api.ImportQueued
	if err := c.do(ctx, http.MethodPost, "/catalog/import", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ImportBundle uploads a .tar.gz bundle and queues its import.
func (c *Client) ImportBundle(ctx context.Context, filename string, bundle io.Reader) (*api.ImportQueued, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("jobboard/client: multipart: %w", err)
	}
	if _, err := io.Copy(part, bundle); err != nil {
		return nil, fmt.Errorf("jobboard/client: multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("jobboard/client: multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/catalog/bundle/import", nil), &buf)
	if err != nil {
		return nil, fmt.Errorf("jobboard/client: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out api.ImportQueued
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncStatus compares the server's registry with its local layout.
func (c *Client) SyncStatus(ctx context.Context) (*catalog.SyncStatus, error) {
	var out catalog.SyncStatus
	if err := c.do(ctx, http.MethodGet, "/catalog/sync/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
