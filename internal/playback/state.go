package playback

import (
	"github.com/voxread-labs/voxread-core/internal/protocol"
)

// Status is the playback state machine's position. Stopped and Idle are
// equivalent except that Stopped implies progress was explicitly
// discarded.
type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
	StatusPaused
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// Snapshot is a consistent copy of the controller's state, safe to hand
// to callers and to serialize on the API.
type Snapshot struct {
	SessionID   string  `json:"session_id"`
	DocumentID  string  `json:"document_id,omitempty"`
	Status      string  `json:"status"`
	ChunkIndex  int     `json:"chunk_index"`
	TotalChunks int     `json:"total_chunks"`
	Percent     float64 `json:"percent"`
	Rate        float64 `json:"rate"`
	Pitch       float64 `json:"pitch"`
	Voice       string  `json:"voice"`
	ChunkText   string  `json:"chunk_text,omitempty"`
	ResumeIndex *int    `json:"resume_index,omitempty"`
	Fault       string  `json:"fault,omitempty"`
}

// Publisher broadcasts playback events to observers. The runtime plugs
// in a bus-backed publisher; tests use Nop.
type Publisher interface {
	State(ev protocol.StateEvent)
	Progress(ev protocol.ProgressEvent)
	Fault(ev protocol.FaultEvent)
}

type nopPublisher struct{}

func (nopPublisher) State(protocol.StateEvent)       {}
func (nopPublisher) Progress(protocol.ProgressEvent) {}
func (nopPublisher) Fault(protocol.FaultEvent)       {}

// NopPublisher returns a Publisher that drops every event.
func NopPublisher() Publisher {
	return nopPublisher{}
}
