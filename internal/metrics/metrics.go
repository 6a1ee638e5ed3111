package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States reported by the current_state gauge; exactly one is 1 per server.
var States = []string{"pending", "launching", "running", "restarting", "failed", "stopped"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Subsystem: "server",
			Name:      "launches_total",
			Help:      "Number of successful process launches.",
		}, []string{"server"},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of restarts granted by the restart policy.",
		}, []string{"server"},
	)
	serverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of exits that were not requested by shutdown.",
		}, []string{"server"},
	)
	serverFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Subsystem: "server",
			Name:      "failures_total",
			Help:      "Number of servers marked failed, by error kind.",
		}, []string{"server", "kind"},
	)
	portConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Subsystem: "port",
			Name:      "conflicts_total",
			Help:      "Port conflict resolutions, by outcome.",
		}, []string{"server", "outcome"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mcpfleet",
			Subsystem: "server",
			Name:      "terminations_total",
			Help:      "Terminate calls, by outcome (graceful, killed, timeout, already_exited).",
		}, []string{"server", "outcome"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mcpfleet",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current state of servers (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverLaunches, serverRestarts, serverCrashes, serverFailures, portConflicts, terminations, currentStates}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, for callers with their own registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register has succeeded.

func IncLaunch(server string) {
	if regOK.Load() {
		serverLaunches.WithLabelValues(server).Inc()
	}
}

func IncRestart(server string) {
	if regOK.Load() {
		serverRestarts.WithLabelValues(server).Inc()
	}
}

func IncCrash(server string) {
	if regOK.Load() {
		serverCrashes.WithLabelValues(server).Inc()
	}
}

func IncFailure(server, kind string) {
	if regOK.Load() {
		serverFailures.WithLabelValues(server, kind).Inc()
	}
}

func IncPortConflict(server, outcome string) {
	if regOK.Load() {
		portConflicts.WithLabelValues(server, outcome).Inc()
	}
}

func IncTermination(server, outcome string) {
	if regOK.Load() {
		terminations.WithLabelValues(server, outcome).Inc()
	}
}

// SetCurrentState marks state as the server's only active state.
func SetCurrentState(server, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(server, s).Set(v)
	}
}
