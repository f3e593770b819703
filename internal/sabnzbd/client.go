package sabnzbd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/sooti/nzbstream/internal/domain"
)

// Client is the typed view over a SABnzbd-compatible daemon API. All methods
// are idempotent from the caller's perspective: pausing a paused job or
// deleting a job that is already gone is not an error.
type Client struct {
	baseURL       string
	apiKey        string
	incompleteDir string
	http          *http.Client
}

func New(baseURL, apiKey, incompleteDir string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		incompleteDir: incompleteDir,
		http:          &http.Client{Timeout: 15 * time.Second},
	}
}

// call performs one API request. Transport failures map to
// ErrDaemonUnavailable, explicit API refusals to ErrDaemonRejected.
func (c *Client) call(ctx context.Context, params url.Values, out any) error {
	params.Set("output", "json")
	params.Set("apikey", c.apiKey)

	u := fmt.Sprintf("%s/api?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: daemon returned %d", domain.ErrDaemonUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: daemon returned %d", domain.ErrDaemonRejected, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: bad response body: %v", domain.ErrDaemonRejected, err)
		}
	}
	return nil
}

// GetStatus looks a job up in the active queue first, then in history.
// Returns nil (no error) when the daemon has no record of the job at all.
func (c *Client) GetStatus(ctx context.Context, jobID string) (*domain.JobDescriptor, error) {
	var q queueResponse
	if err := c.call(ctx, url.Values{"mode": {"queue"}}, &q); err != nil {
		return nil, err
	}

	for _, slot := range q.Queue.Slots {
		if slot.NzoID == jobID {
			desc := slot.toDescriptor(filepath.Join(c.incompleteDir, slot.Filename))
			c.attachFiles(ctx, desc)
			return desc, nil
		}
	}

	var h historyResponse
	if err := c.call(ctx, url.Values{"mode": {"history"}, "limit": {"100"}}, &h); err != nil {
		return nil, err
	}

	for _, slot := range h.History.Slots {
		if slot.NzoID == jobID {
			return slot.toDescriptor(), nil
		}
	}

	return nil, nil
}

// attachFiles fills the per-file byte counts. Best effort: a job that just
// left the queue has no file listing anymore, which is fine.
func (c *Client) attachFiles(ctx context.Context, desc *domain.JobDescriptor) {
	var f filesResponse
	err := c.call(ctx, url.Values{"mode": {"get_files"}, "value": {desc.ID}}, &f)
	if err != nil {
		return
	}

	for _, slot := range f.Files {
		bytes := int64(parseFloat(slot.Bytes))
		if bytes == 0 {
			bytes = int64(parseFloat(slot.MB) * 1024 * 1024)
		}
		desc.Files = append(desc.Files, domain.JobFile{
			Filename:  slot.Filename,
			Bytes:     bytes,
			BytesLeft: int64(parseFloat(slot.MBLeft) * 1024 * 1024),
		})
	}
}

// Submit hands an NZB URL to the daemon and returns the new job ID.
func (c *Client) Submit(ctx context.Context, nzbURL, title string) (string, error) {
	var resp addResponse
	params := url.Values{
		"mode":    {"addurl"},
		"name":    {nzbURL},
		"nzbname": {title},
	}
	if err := c.call(ctx, params, &resp); err != nil {
		return "", err
	}
	if !resp.Status || len(resp.NzoIDs) == 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrDaemonRejected, resp.Error)
	}
	return resp.NzoIDs[0], nil
}

func (c *Client) Pause(ctx context.Context, jobID string) error {
	return c.queueOp(ctx, "pause", jobID)
}

func (c *Client) Resume(ctx context.Context, jobID string) error {
	return c.queueOp(ctx, "resume", jobID)
}

func (c *Client) queueOp(ctx context.Context, op, jobID string) error {
	var resp boolResponse
	params := url.Values{"mode": {"queue"}, "name": {op}, "value": {jobID}}
	if err := c.call(ctx, params, &resp); err != nil {
		return err
	}
	// status:false here means "no such job in queue", which the idempotency
	// contract treats as success (already paused-and-moved, already gone).
	return nil
}

// Delete removes a job from the queue or history, optionally with its files.
// Returns true when the job is gone afterwards, including when it was never
// there.
func (c *Client) Delete(ctx context.Context, jobID string, deleteFiles bool) (bool, error) {
	delFiles := "0"
	if deleteFiles {
		delFiles = "1"
	}

	for _, mode := range []string{"queue", "history"} {
		var resp boolResponse
		params := url.Values{
			"mode":      {mode},
			"name":      {"delete"},
			"value":     {jobID},
			"del_files": {delFiles},
		}
		if err := c.call(ctx, params, &resp); err != nil {
			return false, err
		}
		if resp.Status {
			return true, nil
		}
	}

	// Not found anywhere: already gone, treat as deleted.
	return true, nil
}

// FindExisting searches both the active queue and history for a job whose
// name matches title. Returns nil when nothing matches.
func (c *Client) FindExisting(ctx context.Context, title string) (*domain.JobDescriptor, error) {
	var q queueResponse
	if err := c.call(ctx, url.Values{"mode": {"queue"}}, &q); err != nil {
		return nil, err
	}
	for _, slot := range q.Queue.Slots {
		if strings.EqualFold(slot.Filename, title) {
			return slot.toDescriptor(filepath.Join(c.incompleteDir, slot.Filename)), nil
		}
	}

	var h historyResponse
	if err := c.call(ctx, url.Values{"mode": {"history"}, "limit": {"200"}}, &h); err != nil {
		return nil, err
	}
	for _, slot := range h.History.Slots {
		if strings.EqualFold(slot.Name, title) {
			return slot.toDescriptor(), nil
		}
	}

	return nil, nil
}

// ListQueue returns every job currently in the active queue.
func (c *Client) ListQueue(ctx context.Context) ([]*domain.JobDescriptor, error) {
	var q queueResponse
	if err := c.call(ctx, url.Values{"mode": {"queue"}}, &q); err != nil {
		return nil, err
	}

	jobs := make([]*domain.JobDescriptor, 0, len(q.Queue.Slots))
	for _, slot := range q.Queue.Slots {
		jobs = append(jobs, slot.toDescriptor(filepath.Join(c.incompleteDir, slot.Filename)))
	}
	return jobs, nil
}

// FreeSpaceGB reports the free space on the daemon's download volume.
func (c *Client) FreeSpaceGB(ctx context.Context) (float64, error) {
	var q queueResponse
	if err := c.call(ctx, url.Values{"mode": {"queue"}}, &q); err != nil {
		return 0, err
	}
	return parseFloat(q.Queue.DiskSpace1), nil
}
