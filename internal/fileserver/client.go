// Package fileserver talks to the optional archive-transparency service: an
// HTTP server mounted over the daemon's download area (via rar2fs) that
// exposes the contents of possibly still-downloading archives as a flat,
// byte-range-servable file listing.
package fileserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entry is one file in the transparency listing.
type Entry struct {
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	FlatPath   string  `json:"flatPath"`
	FolderName string  `json:"folderName"`
	Size       int64   `json:"size"`
	Modified   float64 `json:"modified"` // unix seconds
	IsComplete bool    `json:"isComplete"`
}

// ArchiveReport is the answer to "what archive formats live in this folder".
type ArchiveReport struct {
	Folder string `json:"folder"`
	Found  bool   `json:"found"`
	Has7z  bool   `json:"has7z"`
	HasRar bool   `json:"hasRar"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// List fetches the full flat file listing.
func (c *Client) List(ctx context.Context) ([]Entry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/list")
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file server list returned %d", resp.StatusCode)
	}

	var body struct {
		Files []Entry `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Files, nil
}

// CheckArchives asks the service which archive formats a job folder contains.
func (c *Client) CheckArchives(ctx context.Context, folder string) (*ArchiveReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/check-archives?folder="+url.QueryEscape(folder))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file server check-archives returned %d", resp.StatusCode)
	}

	var report ArchiveReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Delete removes a file or directory behind the mount.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/"+strings.TrimPrefix(path, "/"))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 404 means already gone, which is what the caller wanted anyway.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("file server delete returned %d", resp.StatusCode)
	}
	return nil
}

// Stat returns the currently reported size of a file, by flat name. For a
// file inside a still-extracting archive the size grows between calls.
func (c *Client) Stat(ctx context.Context, flatName string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, "/"+url.PathEscape(flatName))
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("file server stat returned %d", resp.StatusCode)
	}
	return resp.ContentLength, nil
}

// OpenRange opens a byte-range reader over a listed file. The caller owns
// the returned body.
func (c *Client) OpenRange(ctx context.Context, flatName string, start, end int64) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/"+url.PathEscape(flatName))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	// Range reads can legitimately dribble for a long time while rar2fs
	// extracts; rely on ctx instead of the client timeout.
	client := &http.Client{}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("file server range read returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}
