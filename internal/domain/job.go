package domain

type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusDownloading JobStatus = "downloading"
	StatusPaused      JobStatus = "paused"
	StatusExtracting  JobStatus = "extracting"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

// JobFile is the per-file progress the daemon reports inside a job.
type JobFile struct {
	Filename  string
	Bytes     int64
	BytesLeft int64
}

// JobDescriptor is the read-only view of one daemon job. The coordinator
// never mutates it; it re-polls the daemon for fresh state instead.
type JobDescriptor struct {
	ID      string
	Name    string
	Status  JobStatus
	Percent float64

	SizeBytes int64

	// IncompletePath is where the daemon writes while downloading,
	// CompletePath where it moves the result after post-processing.
	IncompletePath string
	CompletePath   string

	Files []JobFile

	FailMessage string
}

// Active reports whether the daemon is still working (or could resume
// working) on this job.
func (j *JobDescriptor) Active() bool {
	switch j.Status {
	case StatusQueued, StatusDownloading, StatusPaused, StatusExtracting:
		return true
	}
	return false
}

// MissingBytes sums the bytes the daemon still has to fetch across all files.
func (j *JobDescriptor) MissingBytes() int64 {
	var left int64
	for _, f := range j.Files {
		left += f.BytesLeft
	}
	return left
}
