// Package device drives the external speech synthesis primitive. The
// raw Device is treated as untrusted: it may leave stale queue entries,
// fire spurious near-instant errors, or report cancellations it was
// never asked for. The Adapter masks that misbehavior and reports
// exactly one classified terminal outcome per utterance.
package device

import (
	"context"
	"time"
)

// Utterance is one chunk of text plus playback parameters, submitted to
// the device as a single speech request.
type Utterance struct {
	Text  string
	Rate  float64
	Pitch float64
	Voice string
}

// EventKind enumerates device notifications for an utterance.
type EventKind int

const (
	EventStarted EventKind = iota
	EventCompleted
	EventErrored
	EventCanceled
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventErrored:
		return "errored"
	case EventCanceled:
		return "canceled"
	}
	return "unknown"
}

// Event is a single device notification. Elapsed is the time between
// submission and the event as measured by the device, when it reports
// one; the adapter falls back to its own clock otherwise.
type Event struct {
	Kind    EventKind
	Code    string
	Elapsed time.Duration
}

// Device is the raw speech synthesis primitive. Speak submits one
// utterance and delivers notifications on the returned channel,
// finishing with exactly one terminal event (completed, errored, or
// canceled) before the channel closes. Cancel discards anything queued
// or speaking; it is safe to call at any time. Busy reports whether the
// device still holds queued or active speech.
type Device interface {
	Speak(ctx context.Context, u Utterance) (<-chan Event, error)
	Cancel()
	Busy() bool
}
