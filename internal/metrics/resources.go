package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a running server process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	SampledAt  time.Time `json:"sampled_at"`
}

// ResourceConfig controls periodic sampling of server processes.
type ResourceConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// ResourceCollector samples CPU and memory of running servers with gopsutil.
type ResourceCollector struct {
	interval time.Duration
	sample   func(ctx context.Context, pid int32) (Usage, error)

	mu     sync.RWMutex
	latest map[string]Usage

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec
	fds     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpfleet",
			Subsystem: "server",
			Name:      name,
			Help:      help,
		}, []string{"server"})
	}
	return &ResourceCollector{
		interval: interval,
		sample:   sampleProcess,
		latest:   make(map[string]Usage),
		cpu:      gauge("cpu_percent", "CPU usage percentage of the server process."),
		memory:   gauge("memory_mb", "Resident memory of the server process in MB."),
		threads:  gauge("num_threads", "Thread count of the server process."),
		fds:      gauge("num_fds", "Open file descriptors of the server process (Unix only)."),
	}
}

func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.memory, c.threads, c.fds} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples pids() every interval until ctx is done.
func (c *ResourceCollector) Run(ctx context.Context, pids func() map[string]int) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx, pids())
		}
	}
}

// Collect takes one sample per server and drops servers no longer running.
func (c *ResourceCollector) Collect(ctx context.Context, pids map[string]int) {
	fresh := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := c.sample(ctx, int32(pid))
		if err != nil {
			slog.Debug("resource sample failed", "server", name, "pid", pid, "error", err)
			continue
		}
		fresh[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.latest {
		if _, ok := fresh[name]; !ok {
			c.cpu.DeleteLabelValues(name)
			c.memory.DeleteLabelValues(name)
			c.threads.DeleteLabelValues(name)
			c.fds.DeleteLabelValues(name)
		}
	}
	for name, u := range fresh {
		c.cpu.WithLabelValues(name).Set(u.CPUPercent)
		c.memory.WithLabelValues(name).Set(u.MemoryMB)
		c.threads.WithLabelValues(name).Set(float64(u.NumThreads))
		if u.NumFDs > 0 {
			c.fds.WithLabelValues(name).Set(float64(u.NumFDs))
		}
	}
	c.latest = fresh
}

// Latest returns the most recent sample for server.
func (c *ResourceCollector) Latest(server string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[server]
	return u, ok
}

func sampleProcess(ctx context.Context, pid int32) (Usage, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Usage{}, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: pid, MemoryMB: float64(mem.RSS) / 1024 / 1024, SampledAt: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}
