package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcpfleet/internal/logger"
	"github.com/loykin/mcpfleet/internal/metrics"
	"github.com/loykin/mcpfleet/internal/portprobe"
	"github.com/loykin/mcpfleet/internal/supervisor"
)

// Router provides read-only HTTP handlers over a running fleet.
// Endpoints:
//
//	GET {basePath}/status            all servers
//	GET {basePath}/status/:name      one server, with its latest resource sample
//	GET {basePath}/ports/:port       live probe of a TCP port
//	GET {basePath}/logs/:name        tail of the server log, ?lines=N (default 50)
//	GET {basePath}/metrics           when a metrics handler is configured
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusSource
	probe    portprobe.Prober
	usage    func(name string) (metrics.Usage, bool)
	metrics  http.Handler
	basePath string
}

// StatusSource is the supervisor's read model.
type StatusSource interface {
	Statuses() []supervisor.ServerStatus
	Status(name string) (supervisor.ServerStatus, bool)
}

type Options struct {
	BasePath string
	// Prober backs /ports; nil disables the endpoint.
	Prober portprobe.Prober
	// Usage adds resource samples to single-server status.
	Usage func(name string) (metrics.Usage, bool)
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

const (
	defaultTailLines = 50
	maxTailLines     = 10000
	probeTimeout     = 5 * time.Second
	// foregroundLog is the log path reported for an attached server.
	foregroundLog = "-"
)

// NewRouter constructs a Router over src.
func NewRouter(src StatusSource, opts Options) *Router {
	return &Router{
		src:      src,
		probe:    opts.Prober,
		usage:    opts.Usage,
		metrics:  opts.Metrics,
		basePath: cleanBasePath(opts.BasePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatuses)
	group.GET("/status/:name", r.handleStatus)
	if r.probe != nil {
		group.GET("/ports/:port", r.handlePort)
	}
	group.GET("/logs/:name", r.handleLogs)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// MetricsHandler serves only /metrics.
func MetricsHandler(h http.Handler) http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(h))
	return g
}

// NewServer binds addr and serves h in the background. Binding errors are
// returned; the caller shuts the server down.
func NewServer(addr string, h http.Handler) (*http.Server, error) {
	return NewTLSServer(addr, h, nil)
}

// NewTLSServer is NewServer over TLS; a nil tc serves plain HTTP.
func NewTLSServer(addr string, h http.Handler, tc *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		ln = tls.NewListener(ln, tc)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tc,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	supervisor.ServerStatus
	Usage *metrics.Usage `json:"usage,omitempty"`
}

type logsResp struct {
	Name  string   `json:"name"`
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

func (r *Router) handleStatuses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Statuses())
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	st, ok := r.src.Status(name)
	if !ok {
		writeError(c, http.StatusNotFound, "server not found: "+name)
		return
	}
	resp := statusResp{ServerStatus: st}
	if r.usage != nil {
		if u, ok := r.usage(name); ok {
			resp.Usage = &u
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handlePort(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		writeError(c, http.StatusBadRequest, "port must be 1-65535")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()
	res, err := r.probe.Check(ctx, port)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, portprobe.ErrProbeUnavailable) {
			code = http.StatusServiceUnavailable
		}
		writeError(c, code, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleLogs(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	n, ok := linesParam(c)
	if !ok {
		return
	}
	st, ok := r.src.Status(name)
	if !ok {
		writeError(c, http.StatusNotFound, "server not found: "+name)
		return
	}
	path, code, err := logFile(st)
	if err != nil {
		writeError(c, code, err.Error()+": "+st.LogPath)
		return
	}
	lines, err := logger.Tail(path, n)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, logsResp{Name: name, Path: path, Lines: lines})
}
