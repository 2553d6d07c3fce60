package domain

import "time"

// DownloadStatus is the state of a cached data-source file.
type DownloadStatus string

// Download statuses.
const (
	DownloadPending DownloadStatus = "pending"
	DownloadSuccess DownloadStatus = "success"
	DownloadFailed  DownloadStatus = "failed"
)

// DateLayout is the calendar-date format used to partition the context cache.
const DateLayout = "2006-01-02"

// DownloadRecord tracks one (profile, date, file) materialization.
type DownloadRecord struct {
	ProfileID     string         `json:"profile_id"`
	Date          string         `json:"date"`
	Filename      string         `json:"filename"`
	FilePath      string         `json:"file_path"`
	SizeBytes     int64          `json:"size_bytes"`
	Status        DownloadStatus `json:"status"`
	LastAttemptAt time.Time      `json:"last_attempt_at"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// Reusable reports whether the record points at a completed download.
func (r *DownloadRecord) Reusable() bool {
	return r != nil && r.Status == DownloadSuccess && r.FilePath != ""
}
