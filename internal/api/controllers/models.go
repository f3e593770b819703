package controllers

import "time"

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type AddResponse struct {
	JobID    string `json:"jobId"`
	Existing bool   `json:"existing"`
}

type SessionView struct {
	Key                 string    `json:"key"`
	InstanceID          string    `json:"instanceId"`
	Personal            bool      `json:"personal"`
	CreatedAt           time.Time `json:"createdAt"`
	LastAccess          time.Time `json:"lastAccess"`
	StreamCount         int       `json:"streamCount"`
	ActiveConnections   int       `json:"activeConnections"`
	EstimatedFinalSize  int64     `json:"estimatedFinalSize"`
	LastPlaybackByte    int64     `json:"lastPlaybackByte"`
	LastDownloadPercent float64   `json:"lastDownloadPercent"`
	Paused              bool      `json:"paused"`
	CompletionPercent   float64   `json:"completionPercent"`
}

type SessionsResponse struct {
	Count    int           `json:"count"`
	Sessions []SessionView `json:"sessions"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}
