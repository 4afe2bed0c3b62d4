package nats

import (
	"time"

	"github.com/brojonat/solexport/service/export"
)

// EventType classifies an export event.
type EventType string

const (
	// EventProgress is emitted after each fetched page.
	EventProgress EventType = "progress"
	// EventComplete is the terminal event of a successful export.
	EventComplete EventType = "complete"
	// EventFailed is the terminal event of a failed export. Partial row
	// counts are still populated so clients can offer a partial download.
	EventFailed EventType = "failed"
)

// ExportEvent is published to the subject "exports.{job_id}" in
// JetStream while an export runs, and consumed by the server's SSE
// endpoint for progress display.
type ExportEvent struct {
	JobID string    `json:"job_id"`
	Type  EventType `json:"type"`

	Wallet  string `json:"wallet"`
	Pages   int    `json:"pages"`
	Records int    `json:"records"`

	// Terminal-event fields
	Rows      int    `json:"rows,omitempty"`
	Capped    bool   `json:"capped,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// FromProgress converts a pipeline progress event for publishing.
func FromProgress(jobID string, p export.ProgressEvent) *ExportEvent {
	return &ExportEvent{
		JobID:       jobID,
		Type:        EventProgress,
		Wallet:      p.Wallet,
		Pages:       p.Pages,
		Records:     p.Records,
		PublishedAt: time.Now().UTC(),
	}
}

// FromResult converts a terminal pipeline result for publishing.
func FromResult(jobID, wallet string, res *export.Result, runErr error) *ExportEvent {
	ev := &ExportEvent{
		JobID:       jobID,
		Type:        EventComplete,
		Wallet:      wallet,
		PublishedAt: time.Now().UTC(),
	}
	if res != nil {
		ev.Pages = res.Status.Pages
		ev.Records = res.Status.Raw
		ev.Rows = res.Status.Rows
		ev.Capped = res.Status.Capped
		ev.Truncated = res.Status.Truncated
	}
	if runErr != nil {
		ev.Type = EventFailed
		ev.Error = runErr.Error()
	}
	return ev
}
