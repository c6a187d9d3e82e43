// Package client implements the client registry and lifecycle state
// machine (spec.md §3 "Client", §4.6).
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/audiograph/audiographd/internal/port"
)

// Kind distinguishes where a client's processing callback runs.
type Kind int

const (
	Internal Kind = iota
	Driver
	External
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case Driver:
		return "driver"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

// State is the cycle-local dispatch state of a client's control block
// (spec.md §4.4).
type State int

const (
	NotTriggered State = iota
	Triggered
	Running
	Finished
)

// ProcessFunc is the Internal/Driver callback signature: invoked once
// per cycle with the frame count; a non-zero-equivalent error stops
// the cycle (spec.md §4.4).
type ProcessFunc func(nframes int) error

// Dispatch is the tagged variant of callback/descriptor data the
// engine holds server-side for each client, replacing function
// pointers in a shared control block per spec.md §9 "Dynamic dispatch
// of client callbacks" — function pointers never cross the
// shared-memory boundary to an external process.
type Dispatch struct {
	Process ProcessFunc // set for Internal/Driver clients with a callback

	// External-only: FIFO-backed subgraph and request/event descriptors.
	SubgraphStartFD int
	SubgraphWaitFD  int
	RequestFD       int
	EventFD         int
}

// Client is one participant in the processing graph (spec.md §3).
type Client struct {
	ID     int64
	Name   string
	Kind   Kind
	Active bool
	Dead   bool

	Dispatch Dispatch

	Ports []port.ID

	// FedBy is the transitive closure of clients feeding this one,
	// recomputed by internal/graph on every sort (spec.md §4.3 step 1-2).
	FedBy map[int64]bool

	// ExecutionOrder is meaningful only while the graph mutex is held
	// and the sorter has just run (spec.md §3 invariant).
	ExecutionOrder int

	// Cycle-local dispatch bookkeeping (spec.md §4.4).
	CycleState   State
	NFrames      int
	TimedOut     int
	ErrorCount   int
	SignalledAt  int64
	AwakeAt      int64
	FinishedAt   int64

	// ERROR_WITH_SOCKETS is added to ErrorCount on transport failure;
	// 1 is added on a process-level failure (spec.md §4.6, §7).
}

// ErrorWithSockets is the large constant added to a client's error
// counter on a socket-level failure (spec.md §4.6 "Error accounting").
// The engine does not treat it differently from a process-level
// failure: any client with a non-zero error counter is zombified at
// post-process and later removed by ReapZombies.
const ErrorWithSockets = 1 << 20

var (
	// ErrDuplicateName is returned creating a client whose name collides
	// with an existing one (spec.md §4.6 "Create").
	ErrDuplicateName = errors.New("client: name already registered")
	// ErrUnknownClient is returned for an unrecognized client id or name.
	ErrUnknownClient = errors.New("client: unknown client")
)

// Registry holds every live client, newest first for lookup and
// in a separately maintained sorted slice for dispatch (the sorted
// order is owned by internal/graph, not this package, to keep sort
// policy out of the registry).
type Registry struct {
	mu      sync.RWMutex
	nextID  int64
	byID    map[int64]*Client
	byName  map[string]*Client
	order   []int64 // newest first (prepended), stable iteration baseline
	timebaseID int64 // 0 means "none" (ids start at 1)
}

// NewRegistry returns an empty client registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int64]*Client), byName: make(map[string]*Client)}
}

// Create allocates a new client with a monotonic id (spec.md §3
// "Client" "id (monotonic)"). Fails if name is already taken.
func (r *Registry) Create(name string, kind Kind) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.nextID++
	c := &Client{
		ID:     r.nextID,
		Name:   name,
		Kind:   kind,
		FedBy:  make(map[int64]bool),
	}
	r.byID[c.ID] = c
	r.byName[name] = c
	r.order = append([]int64{c.ID}, r.order...) // prepend, matching spec.md "Prepend to client list"
	return c, nil
}

// Get looks up a client by id.
func (r *Registry) Get(id int64) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownClient
	}
	return c, nil
}

// GetByName looks up a client by name.
func (r *Registry) GetByName(name string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, ErrUnknownClient
	}
	return c, nil
}

// All returns every client in creation/prepend order. Callers must
// treat the result as a read-only snapshot.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Activate marks a client active (spec.md §4.6 "Activate").
func (r *Registry) Activate(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrUnknownClient
	}
	c.Active = true
	return nil
}

// Deactivate marks a client inactive. Callers are responsible for
// clearing its port connections first (spec.md §4.6 "Deactivate").
func (r *Registry) Deactivate(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrUnknownClient
	}
	c.Active = false
	if r.timebaseID == id {
		r.timebaseID = 0
	}
	return nil
}

// Zombify marks a client dead, silencing event delivery (spec.md §4.6
// "Zombify"). The caller handles disconnecting its ports and
// deactivating separately, since those require the graph and port
// tables this package does not hold.
func (r *Registry) Zombify(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrUnknownClient
	}
	c.Dead = true
	c.Active = false
	return nil
}

// Remove deletes a client from the registry entirely (spec.md §4.6
// "Remove").
func (r *Registry) Remove(id int64) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownClient
	}
	delete(r.byID, id)
	delete(r.byName, c.Name)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.timebaseID == id {
		r.timebaseID = 0
	}
	return c, nil
}

// SetTimebase sets the distinguished timebase client (spec.md §3 "at
// most one client is the timebase client"). Passing 0 clears it.
func (r *Registry) SetTimebase(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != 0 {
		if _, ok := r.byID[id]; !ok {
			return ErrUnknownClient
		}
	}
	r.timebaseID = id
	return nil
}

// Timebase returns the current timebase client id, or 0 if none.
func (r *Registry) Timebase() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timebaseID
}

// AddPort records a port as owned by a client.
func (r *Registry) AddPort(id int64, p port.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrUnknownClient
	}
	c.Ports = append(c.Ports, p)
	return nil
}

// RemovePort removes a port from a client's owned-port list.
func (r *Registry) RemovePort(id int64, p port.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrUnknownClient
	}
	for i, pp := range c.Ports {
		if pp == p {
			c.Ports = append(c.Ports[:i], c.Ports[i+1:]...)
			break
		}
	}
	return nil
}
