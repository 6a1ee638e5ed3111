// Package portprobe reports which processes hold a TCP port in LISTEN state.
package portprobe

import (
	"context"
	"errors"
	"fmt"
	"sort"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var (
	// ErrProbeUnavailable means the OS socket table could not be read, so
	// port ownership is unknown.
	ErrProbeUnavailable = errors.New("port probe unavailable")
	ErrInvalidPort      = errors.New("invalid port")
)

// UnknownCommand names owners whose process is not visible to us.
const UnknownCommand = "?"

// Owner is a process listening on the probed port. PID 0 means the socket
// belongs to a process we cannot see (usually another user's).
type Owner struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// Result is a single, uncached observation of a port.
type Result struct {
	Port      int     `json:"port"`
	Available bool    `json:"available"`
	Owners    []Owner `json:"owners,omitempty"`
}

// PIDs lists the signallable owner PIDs.
func (r Result) PIDs() []int {
	out := make([]int, 0, len(r.Owners))
	for _, o := range r.Owners {
		if o.PID > 0 {
			out = append(out, o.PID)
		}
	}
	return out
}

// Prober is what the conflict resolver and the status API depend on.
type Prober interface {
	Check(ctx context.Context, port int) (Result, error)
}

// System probes the live OS socket table through gopsutil.
type System struct {
	// Connections and ProcessName default to gopsutil; tests replace them.
	Connections func(ctx context.Context) ([]gopsnet.ConnectionStat, error)
	ProcessName func(ctx context.Context, pid int32) (string, error)
}

func NewSystem() *System {
	return &System{Connections: tcpConnections, ProcessName: processName}
}

func tcpConnections(ctx context.Context) ([]gopsnet.ConnectionStat, error) {
	// "tcp" covers tcp4 and tcp6.
	return gopsnet.ConnectionsWithContext(ctx, "tcp")
}

func processName(ctx context.Context, pid int32) (string, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.NameWithContext(ctx)
}

// Check reports the listeners on port. It has no side effects.
func (s *System) Check(ctx context.Context, port int) (Result, error) {
	if port <= 0 || port > 65535 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	conns := s.Connections
	if conns == nil {
		conns = tcpConnections
	}
	stats, err := conns(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrProbeUnavailable, err)
	}

	res := Result{Port: port, Available: true}
	seen := make(map[int32]bool)
	for _, c := range stats {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) {
			continue
		}
		res.Available = false
		if seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		res.Owners = append(res.Owners, Owner{PID: int(c.Pid), Command: s.name(ctx, c.Pid)})
	}
	sort.Slice(res.Owners, func(i, j int) bool { return res.Owners[i].PID < res.Owners[j].PID })
	return res, nil
}

func (s *System) name(ctx context.Context, pid int32) string {
	if pid <= 0 {
		return UnknownCommand
	}
	fn := s.ProcessName
	if fn == nil {
		fn = processName
	}
	n, err := fn(ctx, pid)
	if err != nil || n == "" {
		return UnknownCommand
	}
	return n
}
