// Package engine ties together the port-type arena, port table,
// client registry, graph sorter, request mux, and cycle runner into
// the single process-wide object spec.md §9 describes: "model it as
// an explicitly passed context."
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiograph/audiographd/internal/client"
	"github.com/audiograph/audiographd/internal/diag"
	"github.com/audiograph/audiographd/internal/driver"
	"github.com/audiograph/audiographd/internal/graph"
	"github.com/audiograph/audiographd/internal/port"
	"github.com/audiograph/audiographd/internal/porttype"
	"github.com/audiograph/audiographd/internal/request"
	"github.com/audiograph/audiographd/internal/shmem"
	"github.com/audiograph/audiographd/internal/timebase"
	"github.com/audiograph/audiographd/internal/watchdog"
	"golang.org/x/time/rate"
)

// Config carries the CLI-configurable knobs from internal/config
// (spec.md §6 CLI surface, §2 Implementation budget sizing knobs).
type Config struct {
	ServerDir        string
	PortMax          int
	SampleRate       int
	PeriodFrames     int
	Realtime         bool
	RTPriority       int
	Verbose          bool
	ClientTimeoutMsec int
}

// InternalEventHandler is the direct, graph-lock-held callback used
// for Internal/Driver clients (spec.md §4.7 "For internal clients,
// dispatch is a direct callback under the graph lock").
type InternalEventHandler func(ev request.Event) int

// Engine is the process-wide context (spec.md §3 "Engine").
type Engine struct {
	cfg    Config
	logger *slog.Logger
	pid    int

	graphMu sync.Mutex

	types   *porttype.Table
	ports   *port.Table
	clients *client.Registry
	sorter  *graph.Sorter
	shm     *shmem.Registry

	transport  *timebase.Transport
	frameTimer timebase.FrameTimer

	drv          driver.Driver
	silentType   *porttype.Type
	silentBuffer porttype.BufferInfo

	mux       *request.Mux
	reqServer *request.Server

	internalHandlers map[int64]InternalEventHandler
	handlersMu       sync.Mutex

	xrunLimiter *rate.Limiter

	loadMu         sync.Mutex
	cycleDurations []time.Duration
	cpuLoad        float64

	consecutiveXruns int
	xrunTotal        atomic.Uint64

	pendingRestart bool

	wd *watchdog.Watchdog
}

// New constructs an Engine bound to drv, with the server's local
// socket and FIFO files rooted at cfg.ServerDir (spec.md §6).
func New(cfg Config, drv driver.Driver, logger *slog.Logger) (*Engine, error) {
	if err := os.MkdirAll(cfg.ServerDir, 0755); err != nil {
		return nil, fmt.Errorf("engine: create server dir: %w", err)
	}
	e := &Engine{
		cfg:              cfg,
		logger:           logger,
		pid:              os.Getpid(),
		types:            porttype.NewTable(),
		ports:            port.NewTable(cfg.PortMax),
		clients:          client.NewRegistry(),
		shm:              shmem.NewRegistry(),
		transport:        timebase.NewTransport(int64(cfg.SampleRate)),
		drv:              drv,
		internalHandlers: make(map[int64]InternalEventHandler),
		xrunLimiter:      rate.NewLimiter(rate.Every(time.Second), 1),
		cycleDurations:   make([]time.Duration, 0, 32),
	}
	e.sorter = graph.New(e.clients, e.ports, e.types.ByID, func() porttype.BufferInfo { return e.silentBuffer }, cfg.ServerDir, e.pid)
	e.mux = request.NewMux(e)

	reqServer, err := request.NewServer(cfg.ServerDir, e.mux, e, logger.With("subsystem", "request"))
	if err != nil {
		return nil, fmt.Errorf("engine: start request server: %w", err)
	}
	e.reqServer = reqServer

	return e, nil
}

// SetSelfConnectMode configures the self-connection policy the graph
// sorter enforces on Connect (spec.md §6 CLI surface "--self-connect-mode").
func (e *Engine) SetSelfConnectMode(m graph.SelfConnectMode) { e.sorter.SetSelfConnectMode(m) }

// SetDriverClient records which client id is the hardware-facing
// driver client, used to break feedback-cycle ties in the sorter.
func (e *Engine) SetDriverClient(id int64) { e.sorter.SetDriverClient(id) }

// RegisterPortType adds a port type and its buffer arena (spec.md
// §4.1). The very first call also carves out the process-wide silent
// buffer from that type's arena. Every call broadcasts NewPortType so
// any already-connected client learns of the new type (spec.md §4.7
// event kinds); at startup this reaches no one, since no client has
// connected yet.
func (e *Engine) RegisterPortType(name string, bufferSize, numBuffers int, mix porttype.MixFunc) (*porttype.Type, error) {
	e.Lock()
	defer e.Unlock()

	pt, err := e.types.Register(name, bufferSize, numBuffers, mix)
	if err != nil {
		return nil, err
	}
	if e.silentType == nil {
		bi, err := pt.Alloc()
		if err != nil {
			return nil, fmt.Errorf("engine: allocate silent buffer: %w", err)
		}
		clearBuffer(pt.Sample(bi))
		e.silentType = pt
		e.silentBuffer = bi
	}

	ev := request.Event{Kind: request.EventNewPortType, BufferSize: int32(bufferSize)}
	ev.SetRegionName(pt.Region().Name())
	e.notifyAllLocked(ev)
	return pt, nil
}

func clearBuffer(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SilentBuffer exposes the process-wide zero buffer (spec.md §3
// glossary "Silent buffer").
func (e *Engine) SilentBuffer() ([]byte, bool) {
	if e.silentType == nil {
		return nil, false
	}
	return e.silentType.Sample(e.silentBuffer), true
}

// ServeRequests runs the request-server poll loop; Engine never calls
// the server's Stop, so it returns only on an unrecoverable poll
// error. It is meant to run on its own goroutine (spec.md §5 "the
// request-server thread at default priority").
func (e *Engine) ServeRequests() error {
	return e.reqServer.Run()
}

// Close releases sockets, FIFOs, and the regions in the engine's
// shmem registry. Port-type arenas are not in that registry and stay
// mapped.
func (e *Engine) Close() {
	e.reqServer.Close()
	e.sorter.CloseFIFOs()
	e.shm.CloseAll()
}

// Lock acquires the graph mutex unconditionally — used by the request
// thread, which may block (spec.md §5).
func (e *Engine) Lock() { e.graphMu.Lock() }

// Unlock releases the graph mutex.
func (e *Engine) Unlock() { e.graphMu.Unlock() }

// TryLock attempts to acquire the graph mutex without blocking — used
// by the audio thread (spec.md §4.4, §5 "try-lock to avoid priority
// inversion").
func (e *Engine) TryLock() bool { return e.graphMu.TryLock() }

// Transport exposes the transport position state.
func (e *Engine) Transport() *timebase.Transport { return e.transport }

// CPULoad returns the current smoothed CPU load percentage (spec.md
// §4.4 "Post-process").
func (e *Engine) CPULoad() float64 {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	return e.cpuLoad
}

// ClientCount returns the number of registered clients, for metrics.
func (e *Engine) ClientCount() int { return len(e.clients.All()) }

// ActiveClientCount returns the number of active clients.
func (e *Engine) ActiveClientCount() int {
	n := 0
	for _, c := range e.clients.All() {
		if c.Active {
			n++
		}
	}
	return n
}

// XRunCount returns the running total of excessive-delay cycles since
// start, for internal/metrics.
func (e *Engine) XRunCount() uint64 { return e.xrunTotal.Load() }

// Healthy reports whether the watchdog has not tripped, for
// internal/diag's /healthz endpoint.
func (e *Engine) Healthy() bool {
	if e.wd == nil {
		return true
	}
	return !e.wd.Tripped()
}

// GraphSnapshot builds a point-in-time JSON-friendly view of every
// client and port, for internal/diag's /graph endpoint.
func (e *Engine) GraphSnapshot() diag.GraphSnapshot {
	e.Lock()
	defer e.Unlock()

	clients := e.clients.All()
	out := diag.GraphSnapshot{Clients: make([]diag.ClientSnapshot, 0, len(clients))}
	for _, c := range clients {
		ports := make([]int, len(c.Ports))
		for i, p := range c.Ports {
			ports[i] = int(p)
		}
		out.Clients = append(out.Clients, diag.ClientSnapshot{
			ID:             c.ID,
			Name:           c.Name,
			Kind:           c.Kind.String(),
			Active:         c.Active,
			Dead:           c.Dead,
			ExecutionOrder: c.ExecutionOrder,
			Ports:          ports,
		})
	}
	e.ports.ForEachInUse(func(d port.Descriptor) {
		out.Ports = append(out.Ports, diag.PortSnapshot{
			ID:             int(d.ID),
			Name:           d.Name,
			OwningClientID: d.OwningClientID,
			TypeID:         d.TypeID,
			Input:          d.Flags.IsInput(),
			Output:         d.Flags.IsOutput(),
			Locked:         d.Locked,
			TotalLatency:   d.TotalLatency,
		})
	})
	return out
}
