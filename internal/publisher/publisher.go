// Package publisher emits capture lifecycle events to interested consumers.
// Publishing is fire-and-forget: a failed publish is logged by the caller
// and never fails the operation that produced the event.
package publisher

import (
	"context"
	"time"
)

// Event types.
const (
	EventSubmitted = "capture.submitted"
	EventDeleted   = "capture.deleted"
	EventReaped    = "capture.reaped"
)

// Event records one lifecycle transition of a capture job.
type Event struct {
	Type       string    `json:"type"`
	JobID      string    `json:"jobid"`
	Index      int       `json:"index"`
	UserID     string    `json:"userid,omitempty"`
	CaptureURL string    `json:"captureUrl,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}
