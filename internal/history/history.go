package history

import (
	"context"
	"time"
)

// EventType is the kind of lifecycle transition being recorded.
type EventType string

const (
	EventLaunched     EventType = "launched"
	EventExited       EventType = "exited"
	EventRestarting   EventType = "restarting"
	EventFailed       EventType = "failed"
	EventStopped      EventType = "stopped"
	EventPortConflict EventType = "port_conflict"
)

// Event is one lifecycle transition of a managed server.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Server     string    `json:"server"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	Error      string    `json:"error,omitempty"`
	Kind       string    `json:"kind,omitempty"` // error kind for failed and port_conflict
	LogPath    string    `json:"log_path,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
