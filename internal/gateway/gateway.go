// Package gateway wires the router, balancer, upstream client and server
// into the request pipeline, and owns the atomically published configuration
// snapshot.
package gateway

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gavinshark/gateway/internal/config"
	"github.com/gavinshark/gateway/internal/httpmsg"
	"github.com/gavinshark/gateway/internal/lb"
	"github.com/gavinshark/gateway/internal/metrics"
	"github.com/gavinshark/gateway/internal/router"
	"github.com/gavinshark/gateway/internal/server"
	"github.com/gavinshark/gateway/internal/upstream"
)

// Snapshot pairs a validated config with the routing table built from it.
// Exactly one snapshot is current at any instant; handlers take a reference
// once and use it for the whole request, so a reload committing mid-request
// never mixes route sets.
type Snapshot struct {
	Config *config.GatewayConfig
	Table  *router.Table
}

type state int

const (
	stateCreated state = iota
	stateStarted
	stateStopped
)

const stopGrace = 5 * time.Second

// Gateway is the orchestrator. Create with New, then Start; hot reload is a
// sub-lifecycle toggled with EnableHotReload/DisableHotReload while started.
type Gateway struct {
	configPath string
	snapshot   atomic.Pointer[Snapshot]
	balancer   *lb.Balancer
	client     *upstream.Client
	server     *server.Server
	watcher    *config.Watcher
	logger     *slog.Logger
	metrics    *metrics.Registry

	reloadMu sync.Mutex // serialises writers; readers go through snapshot

	stateMu sync.Mutex
	state   state
}

type Option func(*options)

type options struct {
	logger        *slog.Logger
	metrics       *metrics.Registry
	watchInterval time.Duration
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

// WithWatchInterval overrides the config watcher's poll interval.
func WithWatchInterval(d time.Duration) Option {
	return func(o *options) { o.watchInterval = d }
}

// New builds a gateway from a validated config. configPath may be empty, in
// which case hot reload is unavailable.
func New(cfg *config.GatewayConfig, configPath string, opts ...Option) *Gateway {
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}

	g := &Gateway{
		configPath: configPath,
		balancer:   lb.New(),
		client:     upstream.NewClient(o.logger),
		logger:     o.logger,
		metrics:    o.metrics,
	}
	g.snapshot.Store(&Snapshot{Config: cfg, Table: router.New(cfg.Routes)})
	g.server = server.New(cfg.ListenPort, g.Handle,
		server.WithClientTimeout(cfg.ClientTimeout),
		server.WithLogger(o.logger))

	if configPath != "" {
		wopts := []config.Option{config.WithLogger(o.logger)}
		if o.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(o.watchInterval))
		}
		g.watcher = config.NewWatcher(configPath, wopts...)
	}
	return g
}

// Start binds the listener. Restarting a stopped gateway is not supported;
// the listener is closed exactly once over the lifecycle.
func (g *Gateway) Start() error {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if g.state == stateStarted {
		return nil
	}
	if g.state == stateStopped {
		return errors.New("gateway already stopped")
	}
	cfg := g.snapshot.Load().Config
	g.logger.Info("starting gateway", "port", cfg.ListenPort)
	if err := g.server.Start(); err != nil {
		return err
	}
	g.state = stateStarted
	return nil
}

// Stop closes the listener and lets in-flight handlers complete. Hot reload
// is disabled as part of shutdown. Idempotent.
func (g *Gateway) Stop() {
	g.stateMu.Lock()
	if g.state != stateStarted {
		g.stateMu.Unlock()
		return
	}
	g.state = stateStopped
	g.stateMu.Unlock()

	g.logger.Info("stopping gateway")
	g.DisableHotReload()
	g.server.Stop(stopGrace)
}

func (g *Gateway) IsRunning() bool {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state == stateStarted
}

// Addr returns the bound listener address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	return g.server.Addr()
}

// Balancer exposes the health registry (operators re-mark recovered
// backends through it; there is no automatic recovery).
func (g *Gateway) Balancer() *lb.Balancer {
	return g.balancer
}

// Snapshot returns the current (config, routing table) pair.
func (g *Gateway) Snapshot() *Snapshot {
	return g.snapshot.Load()
}

// EnableHotReload starts watching the config file. No-op without a config
// path or when already enabled.
func (g *Gateway) EnableHotReload() {
	if g.watcher == nil {
		g.logger.Warn("no config path, hot reload unavailable")
		return
	}
	g.watcher.Start(func(path string) {
		// Reload already logged the failure; the watcher keeps running.
		_ = g.Reload(path)
	})
}

// DisableHotReload stops the watcher and joins it. Idempotent.
func (g *Gateway) DisableHotReload() {
	if g.watcher != nil {
		g.watcher.Stop()
	}
}

// Reload loads, validates and atomically publishes a new snapshot. On any
// failure the current snapshot stays in place. A changed listen port is
// logged as requiring a restart; the listener is not rebound.
func (g *Gateway) Reload(path string) error {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	if g.metrics != nil {
		g.metrics.IncReload()
	}
	newCfg, err := config.Load(path)
	if err != nil {
		g.logger.Error("config reload failed, keeping current configuration", "path", path, "error", err)
		if g.metrics != nil {
			g.metrics.IncReloadError()
		}
		return err
	}

	old := g.snapshot.Load()
	if old.Config.ListenPort != newCfg.ListenPort {
		g.logger.Warn("listen_port changed, process restart required to apply",
			"current", old.Config.ListenPort, "new", newCfg.ListenPort)
	}
	g.snapshot.Store(&Snapshot{Config: newCfg, Table: router.New(newCfg.Routes)})
	g.logger.Info("configuration reloaded", "path", path, "routes", len(newCfg.Routes))
	return nil
}

// Handle runs the request pipeline: snapshot view, route match, backend
// selection, forward, error-to-status translation.
func (g *Gateway) Handle(req *httpmsg.Request) *httpmsg.Response {
	snap := g.snapshot.Load()
	start := time.Now()
	g.logger.Info("request", "method", req.Method, "path", req.Path)

	resp := g.dispatch(snap, req)

	g.logger.Info("response", "status", resp.StatusCode, "reason", resp.Reason)
	if g.metrics != nil {
		g.metrics.ObserveRequest(req.Method, strconv.Itoa(resp.StatusCode), time.Since(start))
	}
	return resp
}

func (g *Gateway) dispatch(snap *Snapshot, req *httpmsg.Request) *httpmsg.Response {
	route := snap.Table.Match(req.Path)
	if route == nil {
		g.logger.Warn("no route matched", "path", req.Path)
		return httpmsg.NewError(404)
	}

	backend, ok := g.balancer.Select(route.Backends)
	if !ok {
		g.logger.Error("all backends unavailable", "pattern", route.PathPattern)
		return httpmsg.NewError(503)
	}
	g.logger.Debug("selected backend", "backend", backend)

	resp, err := g.client.Forward(req, backend, snap.Config.BackendTimeout)
	if err == nil {
		return resp
	}

	switch {
	case errors.Is(err, upstream.ErrTimeout):
		g.logger.Error("backend request timeout", "backend", backend, "error", err)
		g.markUnhealthy(backend)
		return httpmsg.NewError(504)
	case errors.Is(err, upstream.ErrUnreachable), errors.Is(err, upstream.ErrProtocol):
		g.logger.Error("backend request failed", "backend", backend, "error", err)
		g.markUnhealthy(backend)
		return httpmsg.NewError(502)
	default:
		// unexpected failure: no health change
		g.logger.Error("internal error forwarding request", "backend", backend, "error", err)
		return httpmsg.NewError(500)
	}
}

func (g *Gateway) markUnhealthy(backend string) {
	g.balancer.MarkUnhealthy(backend)
	if g.metrics != nil {
		g.metrics.SetBackendHealth(backend, false)
	}
}
