// Package proxy wires every component of the MCP REPL proxy together
// (spec §9 design note): Registry, SessionTable, EventBus, EventStore,
// SecurityGate, Router, ProxyToolset, and BackendLauncher all live as
// explicit fields of one Proxy value, never as package-scope globals. The
// background-task errgroup is local to each Run call.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/heartbeat"
	"github.com/stacklok/mcprepl-proxy/pkg/launcher"
	"github.com/stacklok/mcprepl-proxy/pkg/logger"
	"github.com/stacklok/mcprepl-proxy/pkg/reconnect"
	"github.com/stacklok/mcprepl-proxy/pkg/registry"
	"github.com/stacklok/mcprepl-proxy/pkg/router"
	"github.com/stacklok/mcprepl-proxy/pkg/security"
	"github.com/stacklok/mcprepl-proxy/pkg/session"
	"github.com/stacklok/mcprepl-proxy/pkg/store"
	"github.com/stacklok/mcprepl-proxy/pkg/telemetry"
	"github.com/stacklok/mcprepl-proxy/pkg/toolset"
	"github.com/stacklok/mcprepl-proxy/pkg/transport"
)

// toolsListChangedNotification is broadcast to every open client session
// whenever a backend registers, so clients re-fetch tools/list (spec
// §4.4/§4.5 "notify open sessions of a tools/list change").
var toolsListChangedNotification = []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

// Config controls how a Proxy is assembled. Zero-value fields fall back
// to the same defaults the individual packages already document.
type Config struct {
	Port int

	SecurityConfig *security.Config

	DBPath string // "" uses store.DefaultDBPath()

	JuliaBin string // "" uses "julia" (pkg/launcher default)
	LogDir   string // "" uses the XDG data directory (pkg/launcher default)

	HeartbeatTick       time.Duration
	HeartbeatStaleAfter time.Duration

	EventRetention  time.Duration
	CleanupInterval time.Duration

	Telemetry telemetry.Config

	SSEPollInterval time.Duration
}

// Proxy is the fully wired runtime: every component the spec names. Their
// background tasks are started, and supervised, by Run.
type Proxy struct {
	cfg Config

	Registry *registry.Registry
	Sessions *session.SessionTable
	Bus      *events.Bus
	DB       *store.DB
	Store    *store.EventStore
	Gate     *security.Gate
	Router   *router.Router
	Toolset  *toolset.Toolset
	Launcher *launcher.Launcher
	Monitor  *heartbeat.Monitor
	Front    *transport.Front
	Metrics  *telemetry.Metrics

	startedAt time.Time

	reconnectMu sync.Mutex
	reconnects  map[string]context.CancelFunc
}

// New assembles every component and wires their cross-references
// (registry.OnReady -> router.Flush, registry.OnRegister -> session
// broadcast, heartbeat.onStale -> reconnector probe), but does not start
// any background task; call Run to do that.
func New(cfg Config) (*Proxy, error) {
	if cfg.SecurityConfig == nil {
		cfg.SecurityConfig = &security.Config{Mode: security.ModeLax, Port: cfg.Port}
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}

	db, err := store.Open(context.Background(), dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	eventStore := store.NewEventStore(db)

	startedAt := time.Now().UTC()
	bus := events.NewBus(1024)
	bus.SetSink(eventStore)

	reg := registry.New(bus)
	sessions := session.New()
	gate := security.NewGate(cfg.SecurityConfig)

	rt := router.New(reg, sessions, bus, nil)

	lnch := launcher.New(cfg.LogDir, cfg.JuliaBin)
	tools := toolset.New(reg, lnch, bus, cfg.Port, startedAt)

	var metrics *telemetry.Metrics
	if cfg.Telemetry.EnableMetricsPath {
		m, _, err := telemetry.New(cfg.Telemetry, func() int64 { return int64(len(reg.List())) })
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configuring telemetry: %w", err)
		}
		metrics = m
		bus.SetCounter(metrics.EventsPublished)
		rt.SetLatencyRecorder(metrics.ForwardLatency)
	}

	front := transport.New(gate, sessions, bus, reg, rt, tools, metrics)
	front.SetProxyPort(cfg.Port)

	p := &Proxy{
		cfg:        cfg,
		Registry:   reg,
		Sessions:   sessions,
		Bus:        bus,
		DB:         db,
		Store:      eventStore,
		Gate:       gate,
		Router:     rt,
		Toolset:    tools,
		Launcher:   lnch,
		Front:      front,
		Metrics:    metrics,
		startedAt:  startedAt,
		reconnects: make(map[string]context.CancelFunc),
	}

	reconnector := reconnect.New(reg, bus, reconnect.HTTPProber(nil), p.onBackendReady)
	spawnReconnect := p.spawnReconnect(reconnector)
	p.Monitor = heartbeat.New(reg, bus, cfg.HeartbeatTick, cfg.HeartbeatStaleAfter, spawnReconnect)

	reg.OnReady = rt.Flush
	reg.OnRegister = p.onBackendRegistered
	// A failed forward demotes a backend just as a missed heartbeat does
	// (spec §4.7/§4.8); both paths must start the same Reconnector probe.
	rt.OnDisconnect = spawnReconnect

	return p, nil
}

// onBackendRegistered broadcasts a tools/list_changed notification to every
// open client session, not just ones already bound to the freshly-
// (re)registered backend, since any session may want to call its tools
// (spec.md:128 "broadcast ... to all open ClientSessions").
func (p *Proxy) onBackendRegistered(_ string) {
	p.Sessions.NotifyAll("", toolsListChangedNotification)
}

// spawnReconnect returns a HeartbeatMonitor onStale callback that launches
// one Reconnector probe goroutine per newly-disconnected backend, tracked
// so Close can cancel any still-running probes (spec §4.7, §5 "one
// Reconnector task per disconnected backend").
func (p *Proxy) spawnReconnect(reconnector *reconnect.Reconnector) func(id string) {
	return func(id string) {
		snap, ok := p.Registry.Get(id)
		if !ok {
			return
		}

		p.reconnectMu.Lock()
		if _, running := p.reconnects[id]; running {
			p.reconnectMu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		p.reconnects[id] = cancel
		p.reconnectMu.Unlock()

		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorw("reconnector probe panicked", "backend_id", id, "panic", r)
				}
				p.reconnectMu.Lock()
				delete(p.reconnects, id)
				p.reconnectMu.Unlock()
			}()
			reconnector.Probe(ctx, id, snap.BaseURL())
		}()
	}
}

// onBackendReady is the Reconnector's onReady hook. Flushing pending
// requests already happens inside registry.SetStatus (invoked by
// Reconnector.Probe), so there is nothing left to do here beyond the
// bookkeeping spawnReconnect's deferred cleanup already performs; kept as
// an explicit hook point per spec §4.7 rather than folded away.
func (p *Proxy) onBackendReady(_ string) {}

// Run starts every background task — HeartbeatMonitor, the session
// reaper, EventStore cleanup, and the TransportFront HTTP server — under
// one errgroup, and blocks until ctx is cancelled or the TransportFront
// server returns an error. A panicking task is recovered, logged, and
// restarted after a one-second pause, with no limit on restarts, rather
// than taking the whole process down (SPEC_FULL §5/§7).
func (p *Proxy) Run(ctx context.Context, addr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runSupervised(ctx, "heartbeat-monitor", func(ctx context.Context) { p.Monitor.Run(ctx) })
		return nil
	})

	g.Go(func() error {
		stop := make(chan struct{})
		go func() { <-ctx.Done(); close(stop) }()
		runSupervised(ctx, "session-reaper", func(context.Context) {
			p.Sessions.RunReaper(session.DefaultIdleTimeout/4, stop)
		})
		return nil
	})

	g.Go(func() error {
		retention := p.cfg.EventRetention
		if retention <= 0 {
			retention = store.DefaultRetention
		}
		interval := p.cfg.CleanupInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		stop := make(chan struct{})
		go func() { <-ctx.Done(); close(stop) }()
		runSupervised(ctx, "event-store-cleanup", func(ctx context.Context) {
			p.Store.RunCleanup(ctx, interval, retention, stop)
		})
		return nil
	})

	g.Go(func() error {
		return p.Front.Serve(ctx, addr)
	})

	return g.Wait()
}

// runSupervised runs task until ctx is done, recovering and logging any
// panic and restarting task rather than letting the panic propagate
// (spec §7 "HeartbeatMonitor and Reconnector crashes restart themselves").
func runSupervised(ctx context.Context, name string, task func(context.Context)) {
	for {
		if ctx.Err() != nil {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorw("supervised task panicked, restarting", "task", name, "panic", r)
				}
			}()
			task(ctx)
		}()
		if ctx.Err() != nil {
			return
		}
		// task returned without ctx being done: it either panicked or its
		// loop exited early. Back off briefly before restarting so a
		// persistently-panicking task doesn't spin a core.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Close releases the Proxy's held resources (database handle, outstanding
// reconnect probes). Safe to call after Run's context is cancelled.
func (p *Proxy) Close() error {
	p.reconnectMu.Lock()
	for _, cancel := range p.reconnects {
		cancel()
	}
	p.reconnects = make(map[string]context.CancelFunc)
	p.reconnectMu.Unlock()

	return p.DB.Close()
}
