package protocol

import "time"

// StateEvent announces a playback state transition on the bus.
type StateEvent struct {
	SessionID   string    `json:"session_id"`
	DocumentID  string    `json:"document_id"`
	Status      string    `json:"status"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	Timestamp   time.Time `json:"timestamp"`
}

// ProgressEvent is published every time playback advances a chunk.
type ProgressEvent struct {
	SessionID   string    `json:"session_id"`
	DocumentID  string    `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	TotalChunks int       `json:"total_chunks"`
	Percent     float64   `json:"percent"`
	Timestamp   time.Time `json:"timestamp"`
}

// FaultEvent reports a device fault surfaced to the caller.
type FaultEvent struct {
	SessionID  string    `json:"session_id"`
	DocumentID string    `json:"document_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectPlaybackState    = "playback.state"
	SubjectPlaybackProgress = "playback.progress"
	SubjectPlaybackFault    = "playback.fault"
)
