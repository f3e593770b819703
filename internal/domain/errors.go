package domain

import "errors"

// ErrDaemonUnavailable indicates the download daemon could not be reached.
// Callers treat this as transient and retry.
var ErrDaemonUnavailable = errors.New("download daemon unavailable")

// ErrDaemonRejected indicates the daemon answered but refused the request.
// Terminal for the job in question.
var ErrDaemonRejected = errors.New("download daemon rejected request")

// ErrUnsupportedArchive indicates the release is packed in a format we cannot
// stream from (e.g. 7z). The backing job is deleted when this is returned.
var ErrUnsupportedArchive = errors.New("unsupported archive format")

// ErrNotYetLocatable indicates no playable file has appeared yet for an
// active job. Expected and frequent during early download.
var ErrNotYetLocatable = errors.New("content not yet locatable")

// ErrSeekNotYetSafe indicates the requested position is on disk but serving
// it now would feed the player a file whose index has not been written yet.
var ErrSeekNotYetSafe = errors.New("seek not yet safe")

// ErrInsufficientStorage indicates the daemon reports too little free disk
// space to start new work.
var ErrInsufficientStorage = errors.New("insufficient disk space")

// ErrDownloadFailed indicates the daemon reported an unrecoverable job error.
var ErrDownloadFailed = errors.New("download failed")

// ErrRangeUnavailable indicates the requested byte range did not become
// servable within the bounded wait.
var ErrRangeUnavailable = errors.New("requested range not yet available")

// ErrJobNotFound indicates the daemon has no record of the job, in queue or
// history.
var ErrJobNotFound = errors.New("job not found")
