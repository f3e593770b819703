package sabnzbd

import (
	"strconv"
	"strings"

	"github.com/sooti/nzbstream/internal/domain"
)

// Wire types for the SABnzbd JSON API. Numeric fields arrive as strings
// ("percentage":"85") so everything is parsed defensively.

type queueResponse struct {
	Queue struct {
		Slots      []queueSlot `json:"slots"`
		DiskSpace1 string      `json:"diskspace1"`
		Paused     bool        `json:"paused"`
	} `json:"queue"`
}

type queueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Percentage string `json:"percentage"`
	MB         string `json:"mb"`
	MBLeft     string `json:"mbleft"`
}

type historyResponse struct {
	History struct {
		Slots []historySlot `json:"slots"`
	} `json:"history"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Bytes       int64  `json:"bytes"`
	Storage     string `json:"storage"`
	Path        string `json:"path"`
	FailMessage string `json:"fail_message"`
}

type filesResponse struct {
	Files []fileSlot `json:"files"`
}

type fileSlot struct {
	Filename string `json:"filename"`
	Bytes    string `json:"bytes"`
	MB       string `json:"mb"`
	MBLeft   string `json:"mbleft"`
}

type addResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
	Error  string   `json:"error"`
}

type boolResponse struct {
	Status bool   `json:"status"`
	Error  string `json:"error"`
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// mapStatus folds SABnzbd's queue and history status vocabulary into the
// coordinator's JobStatus. History slots mid post-processing (Verifying,
// Repairing, Extracting, Moving) all count as extracting: from the stream
// server's perspective the file is still growing.
func mapStatus(s string) domain.JobStatus {
	switch strings.ToLower(s) {
	case "downloading", "fetching":
		return domain.StatusDownloading
	case "paused":
		return domain.StatusPaused
	case "queued", "grabbing", "propagating":
		return domain.StatusQueued
	case "verifying", "repairing", "extracting", "moving", "running", "quickcheck":
		return domain.StatusExtracting
	case "completed":
		return domain.StatusCompleted
	case "failed":
		return domain.StatusFailed
	}
	return domain.StatusQueued
}

func (s queueSlot) toDescriptor(incompleteDir string) *domain.JobDescriptor {
	mb := parseFloat(s.MB)
	return &domain.JobDescriptor{
		ID:             s.NzoID,
		Name:           s.Filename,
		Status:         mapStatus(s.Status),
		Percent:        parseFloat(s.Percentage),
		SizeBytes:      int64(mb * 1024 * 1024),
		IncompletePath: incompleteDir,
	}
}

func (s historySlot) toDescriptor() *domain.JobDescriptor {
	d := &domain.JobDescriptor{
		ID:           s.NzoID,
		Name:         s.Name,
		Status:       mapStatus(s.Status),
		SizeBytes:    s.Bytes,
		CompletePath: s.Storage,
		FailMessage:  s.FailMessage,
	}
	if d.Status == domain.StatusCompleted {
		d.Percent = 100
	}
	if d.CompletePath == "" {
		d.CompletePath = s.Path
	}
	return d
}
