// Package restart decides whether a crashed server is relaunched.
package restart

import "time"

const (
	DefaultMax       = 3
	DefaultStability = 30 * time.Second
	DefaultDelay     = 5 * time.Second
)

// Policy bounds restarts. Max < 0 disables restarting; a server that ran for
// Stability without crashing gets its count reset.
type Policy struct {
	Max       int           `json:"max_restarts" mapstructure:"max_restarts"`
	Stability time.Duration `json:"stability_window" mapstructure:"stability_window"`
	Delay     time.Duration `json:"delay" mapstructure:"delay"`
}

func DefaultPolicy() Policy {
	return Policy{Max: DefaultMax, Stability: DefaultStability, Delay: DefaultDelay}
}

// Never is a policy that never restarts.
func Never() Policy { return Policy{Max: -1} }

// Disabled reports whether the policy never restarts.
func (p Policy) Disabled() bool { return p.Max < 0 }

type Action int

const (
	Restart Action = iota
	GiveUp
)

func (a Action) String() string {
	if a == Restart {
		return "restart"
	}
	return "give_up"
}

// History is the per-server restart bookkeeping the supervisor carries
// between launches.
type History struct {
	Count     int
	LastReset time.Time
	StartedAt time.Time
	CrashedAt time.Time
}

// Decision is the action plus the history to carry into the next launch.
type Decision struct {
	Action  Action
	History History
}

// Decide is pure: the same history and policy always give the same decision.
func Decide(h History, p Policy) Decision {
	if p.Disabled() {
		return Decision{Action: GiveUp, History: h}
	}
	if p.Stability > 0 && !h.StartedAt.IsZero() && h.CrashedAt.Sub(h.StartedAt) >= p.Stability {
		h.Count = 0
		h.LastReset = h.CrashedAt
	}
	if h.Count < p.Max {
		h.Count++
		return Decision{Action: Restart, History: h}
	}
	return Decision{Action: GiveUp, History: h}
}
