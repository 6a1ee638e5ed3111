package client

import "time"

// ServerStatus mirrors one entry of GET /status.
type ServerStatus struct {
	Name       string      `json:"name"`
	State      string      `json:"state"`
	PID        int         `json:"pid,omitempty"`
	Port       int         `json:"port,omitempty"`
	Mode       string      `json:"mode,omitempty"`
	Command    string      `json:"command"`
	Foreground bool        `json:"foreground,omitempty"`
	Restarts   int         `json:"restarts"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	LastExit   *ExitStatus `json:"last_exit,omitempty"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	LogPath    string      `json:"log_path"`
	// Usage is only filled by GET /status/:name when resource sampling is on.
	Usage *Usage `json:"usage,omitempty"`
}

type ExitStatus struct {
	Code     int       `json:"code"`
	Signal   string    `json:"signal,omitempty"`
	ExitedAt time.Time `json:"exited_at"`
}

// Usage is the latest resource sample of a server process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
}

// PortOwner is a process listening on a probed port; PID 0 is not visible.
type PortOwner struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// PortResult mirrors GET /ports/:port.
type PortResult struct {
	Port      int         `json:"port"`
	Available bool        `json:"available"`
	Owners    []PortOwner `json:"owners,omitempty"`
}

// Logs mirrors GET /logs/:name.
type Logs struct {
	Name  string   `json:"name"`
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
