package server

import (
	"time"

	"github.com/teranos/relay/pulse/async"
	"github.com/teranos/relay/pulse/dispatch"
	"github.com/teranos/relay/version"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout bounds draining of HTTP requests and websocket pumps
	ShutdownTimeout = 10 * time.Second
)

// WebSocket timeouts, as in the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// ServerState is the lifecycle state reported by /healthz
type ServerState int

const (
	ServerStateIdle     ServerState = iota // Routes ready, not listening
	ServerStateRunning                     // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateIdle:
		return "idle"
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ClientMessage is what websocket clients may send
type ClientMessage struct {
	Type   string `json:"type"`              // "subscribe", "ping"
	NoteID string `json:"note_id,omitempty"` // subscribe: only events of this note, "" for all
}

// EventMessage wraps a job, batch or output event for websocket clients
type EventMessage struct {
	Type  string      `json:"type"` // always "event"
	Event async.Event `json:"event"`
}

// HelloMessage is the first message on every websocket connection
type HelloMessage struct {
	Type     string       `json:"type"` // always "hello"
	ClientID string       `json:"client_id"`
	Version  version.Info `json:"version"`
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status  string          `json:"status"` // "ok" or "degraded"
	State   string          `json:"state"`
	Version string          `json:"version"`
	Clients int             `json:"clients"`
	Drops   int64           `json:"broadcast_drops"`
	Pulse   dispatch.Status `json:"pulse"`
}

// RunRequest is the optional body of POST /api/notes/{note}/run. Without
// paragraphs the note is read from the note source.
type RunRequest struct {
	User       string            `json:"user,omitempty"`
	Roles      []string          `json:"roles,omitempty"`
	Paragraphs []async.Paragraph `json:"paragraphs,omitempty"`
}

// BatchResponse is a batch with its jobs
type BatchResponse struct {
	Batch *async.Batch `json:"batch"`
	Jobs  []*async.Job `json:"jobs"`
}
