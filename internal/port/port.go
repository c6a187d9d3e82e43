// Package port implements port descriptors, the port table, and
// connections between ports (spec.md §3 "Port", §4.2).
package port

import (
	"errors"
	"fmt"
	"sync"

	"github.com/audiograph/audiographd/internal/porttype"
)

// Flags are the boolean attributes of a port (spec.md §3).
type Flags uint8

const (
	FlagInput Flags = 1 << iota
	FlagOutput
	FlagTerminal
	FlagPhysical
)

func (f Flags) IsInput() bool    { return f&FlagInput != 0 }
func (f Flags) IsOutput() bool   { return f&FlagOutput != 0 }
func (f Flags) IsTerminal() bool { return f&FlagTerminal != 0 }
func (f Flags) IsPhysical() bool { return f&FlagPhysical != 0 }

var (
	// ErrNoFreeSlot is returned by a Table when port_max is exhausted.
	ErrNoFreeSlot = errors.New("port: no free port slot")
	// ErrUnknownPort is returned for an out-of-range or unregistered port id.
	ErrUnknownPort = errors.New("port: unknown port id")
	// ErrNotOwner is returned when a caller tries to unregister a port it does not own.
	ErrNotOwner = errors.New("port: caller is not the owning client")
	// ErrLocked is returned when a connection request targets a locked port.
	ErrLocked = errors.New("port: port is locked")
	// ErrNotOutput is returned when a connection source is not an output port.
	ErrNotOutput = errors.New("port: source is not an output port")
	// ErrNotInput is returned when a connection destination is not an input port.
	ErrNotInput = errors.New("port: destination is not an input port")
	// ErrTypeMismatch is returned when source and destination type_ids differ.
	ErrTypeMismatch = errors.New("port: source and destination type_id mismatch")
	// ErrNoMixdown is returned connecting a second source to a dest with no mixdown function.
	ErrNoMixdown = errors.New("port: destination already connected and type has no mixdown")
	// ErrNotConnected is returned disconnecting a pair with no matching edge.
	ErrNotConnected = errors.New("port: ports are not connected")
)

// ID is a dense index in [0, port_max).
type ID int

// Descriptor is the shared (client-visible) part of a port (spec.md §3
// "Port (shared descriptor)"). In a real deployment this would live in
// the engine's shared-memory control block; here it is the
// server-authoritative copy clients read a snapshot of at connect
// time and on GraphReordered/PortRegistered events.
type Descriptor struct {
	ID             ID
	Name           string
	OwningClientID int64
	TypeID         int
	Flags          Flags
	InUse          bool
	Locked         bool
	Latency        int
	TotalLatency   int
	Buffer         porttype.BufferInfo
	MonitorRequests int
}

// connection is one directed edge, stored on both endpoints' lists.
type connection struct {
	Source, Dest ID
}

// entry is the server-private state for one port slot: the shared
// descriptor plus its connection list (spec.md §3 "Port
// (server-private)").
type entry struct {
	desc           Descriptor
	connections    []connection
	mixBufferOwned bool // desc.Buffer was pt.Alloc'd for fan-in, not aliased or silent
}

// Table is the fixed-capacity port table shared with clients through
// memory, plus the server-private per-port connection lists.
type Table struct {
	mu      sync.RWMutex
	entries []entry
	portMax int
}

// NewTable allocates a table with capacity portMax, spec.md §3 "Port
// identifiers are dense indices in [0, port_max)".
func NewTable(portMax int) *Table {
	return &Table{entries: make([]entry, portMax), portMax: portMax}
}

// Register finds a free slot, assigns a buffer from pt, and fills in
// the descriptor. It fails with ErrNoFreeSlot if the table is full, or
// propagates a buffer-allocation error from pt.Alloc (spec.md §4.2
// register()). flags decide whether the new port is given its own
// buffer or aliases an upstream buffer later at connect time — per
// spec.md §4.1, an output gets a fresh buffer from pt now; any other
// port gets the process-wide silent buffer until connected.
func (t *Table) Register(owner int64, name string, pt *porttype.Type, flags Flags, silent porttype.BufferInfo) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i := range t.entries {
		if !t.entries[i].desc.InUse {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, ErrNoFreeSlot
	}

	var buf porttype.BufferInfo
	if flags.IsOutput() {
		b, err := pt.Alloc()
		if err != nil {
			return 0, err
		}
		buf = b
	} else {
		buf = silent
	}

	t.entries[slot] = entry{desc: Descriptor{
		ID:             ID(slot),
		Name:           name,
		OwningClientID: owner,
		TypeID:         pt.ID,
		Flags:          flags,
		InUse:          true,
		Buffer:         buf,
	}}
	return ID(slot), nil
}

// Unregister clears a port slot. The caller must already have removed
// all connections (the engine does this before calling Unregister so
// disconnect notifications can be generated first, per spec.md §4.2).
func (t *Table) Unregister(id ID, caller int64) (Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.getLocked(id)
	if err != nil {
		return Descriptor{}, err
	}
	if d.OwningClientID != caller {
		return Descriptor{}, ErrNotOwner
	}
	removed := d
	t.entries[id] = entry{}
	return removed, nil
}

func (t *Table) getLocked(id ID) (Descriptor, error) {
	if int(id) < 0 || int(id) >= len(t.entries) || !t.entries[id].desc.InUse {
		return Descriptor{}, ErrUnknownPort
	}
	return t.entries[id].desc, nil
}

// Get returns a copy of a port's descriptor.
func (t *Table) Get(id ID) (Descriptor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(id)
}

// Find looks up a port id by name.
func (t *Table) Find(name string) (ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.entries {
		if t.entries[i].desc.InUse && t.entries[i].desc.Name == name {
			return ID(i), true
		}
	}
	return 0, false
}

// Connections returns a copy of the port ids connected to id.
func (t *Table) Connections(id ID) ([]ID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, err := t.getLocked(id); err != nil {
		return nil, err
	}
	out := make([]ID, 0, len(t.entries[id].connections))
	for _, c := range t.entries[id].connections {
		if c.Source == id {
			out = append(out, c.Dest)
		} else {
			out = append(out, c.Source)
		}
	}
	return out, nil
}

// NumConnections reports how many connections touch id.
func (t *Table) NumConnections(id ID) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, err := t.getLocked(id); err != nil {
		return 0, err
	}
	return len(t.entries[id].connections), nil
}

// SetLocked toggles a port's locked flag; spec.md §3 invariant "ports
// with locked == true cannot gain or lose connections".
func (t *Table) SetLocked(id ID, locked bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.getLocked(id); err != nil {
		return err
	}
	t.entries[id].desc.Locked = locked
	return nil
}

// Connect validates and records a directed connection from src to
// dst, enforcing every failure reason in spec.md §4.2 connect(), and
// assigns dst's buffer per spec.md §4.1 "Buffer assignment": a sole
// connection aliases the source's buffer directly; a second or later
// connection into a mixable dest gets a private buffer allocated from
// pt, for the engine's per-cycle mixdown to write into (spec.md §3
// "Mixdown function"). pt is dst's port type, consulted for its
// mixdown function and, when one is needed, its buffer arena.
func (t *Table) Connect(src, dst ID, pt *porttype.Type, srcActive, dstActive bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sd, err := t.getLocked(src)
	if err != nil {
		return fmt.Errorf("connect: source: %w", err)
	}
	dd, err := t.getLocked(dst)
	if err != nil {
		return fmt.Errorf("connect: dest: %w", err)
	}
	if !sd.Flags.IsOutput() {
		return ErrNotOutput
	}
	if !dd.Flags.IsInput() {
		return ErrNotInput
	}
	if sd.Locked || dd.Locked {
		return ErrLocked
	}
	if sd.TypeID != dd.TypeID {
		return ErrTypeMismatch
	}
	if !srcActive || !dstActive {
		return fmt.Errorf("connect: owning client inactive")
	}
	existing := len(t.entries[dst].connections)
	mixable := pt != nil && pt.Mix != nil
	if existing >= 1 && !mixable {
		return ErrNoMixdown
	}

	c := connection{Source: src, Dest: dst}
	t.entries[src].connections = append(t.entries[src].connections, c)
	t.entries[dst].connections = append(t.entries[dst].connections, c)

	if existing == 0 {
		t.entries[dst].desc.Buffer = sd.Buffer
		return nil
	}
	if !t.entries[dst].mixBufferOwned {
		buf, err := pt.Alloc()
		if err != nil {
			t.entries[src].connections, _ = removeConn(t.entries[src].connections, src, dst)
			t.entries[dst].connections, _ = removeConn(t.entries[dst].connections, src, dst)
			return fmt.Errorf("connect: allocate mixdown buffer: %w", err)
		}
		t.entries[dst].desc.Buffer = buf
		t.entries[dst].mixBufferOwned = true
	}
	return nil
}

// Disconnect removes the matching connection from both endpoints'
// lists and repoints dst's buffer assignment to match what remains
// feeding it. It returns ErrNotConnected if no such edge exists. pt is
// dst's port type (for releasing a mixdown buffer no longer needed);
// silent is the process-wide silent buffer dst falls back to once
// nothing feeds it.
func (t *Table) Disconnect(src, dst ID, pt *porttype.Type, silent porttype.BufferInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.getLocked(src); err != nil {
		return err
	}
	if _, err := t.getLocked(dst); err != nil {
		return err
	}
	removed := false
	t.entries[src].connections, removed = removeConn(t.entries[src].connections, src, dst)
	if !removed {
		return ErrNotConnected
	}
	t.entries[dst].connections, _ = removeConn(t.entries[dst].connections, src, dst)
	if len(t.entries[src].connections) == 0 {
		t.entries[src].desc.MonitorRequests = 0
	}
	t.repointDestLocked(dst, pt, silent)
	return nil
}

// repointDestLocked reassigns an input port's buffer to match its
// current fan-in after a connection is removed (spec.md §4.1 "Buffer
// assignment"): no remaining source falls back to silent, exactly one
// remaining source re-aliases directly, and two or more leave the
// existing mixdown buffer (if any) in place. Callers must hold t.mu.
func (t *Table) repointDestLocked(dst ID, pt *porttype.Type, silent porttype.BufferInfo) {
	remaining := t.entries[dst].connections
	switch len(remaining) {
	case 0:
		if t.entries[dst].mixBufferOwned && pt != nil {
			pt.Release(t.entries[dst].desc.Buffer)
		}
		t.entries[dst].mixBufferOwned = false
		t.entries[dst].desc.Buffer = silent
	case 1:
		if t.entries[dst].mixBufferOwned && pt != nil {
			pt.Release(t.entries[dst].desc.Buffer)
		}
		t.entries[dst].mixBufferOwned = false
		if peer, err := t.getLocked(remaining[0].Source); err == nil {
			t.entries[dst].desc.Buffer = peer.Buffer
		}
	default:
		// still fanned in: keep the owned mixdown buffer as-is.
	}
}

func removeConn(list []connection, src, dst ID) ([]connection, bool) {
	for i, c := range list {
		if c.Source == src && c.Dest == dst {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}

// DisconnectAll removes every connection touching id, returning the
// list of peer ids that were disconnected (for event generation), and
// repoints buffer assignments on id and every affected input peer
// (spec.md §4.1 "Buffer assignment"). pt is id's port type and silent
// the process-wide silent buffer, both consulted only for whichever
// side of each edge is an input port.
func (t *Table) DisconnectAll(id ID, pt *porttype.Type, silent porttype.BufferInfo) ([]ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.getLocked(id)
	if err != nil {
		return nil, err
	}
	conns := t.entries[id].connections
	t.entries[id].connections = nil
	peers := make([]ID, 0, len(conns))
	for _, c := range conns {
		peer := c.Source
		if c.Source == id {
			peer = c.Dest
		}
		t.entries[peer].connections, _ = removeConn(t.entries[peer].connections, c.Source, c.Dest)
		peers = append(peers, peer)
		if t.entries[peer].desc.Flags.IsInput() {
			t.repointDestLocked(peer, pt, silent)
		}
	}
	if d.Flags.IsInput() {
		t.repointDestLocked(id, pt, silent)
	}
	t.entries[id].desc.MonitorRequests = 0
	return peers, nil
}

// SetTotalLatency updates a port's recomputed total_latency
// (spec.md §4.3 step 4).
func (t *Table) SetTotalLatency(id ID, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= 0 && int(id) < len(t.entries) && t.entries[id].desc.InUse {
		t.entries[id].desc.TotalLatency = total
	}
}

// SetBuffer overwrites a port's buffer assignment directly, used by
// the engine's buffer-size-change flow to rebase every in-use port of
// a resized type onto its new offset (spec.md §4.1 "On buffer-size
// change").
func (t *Table) SetBuffer(id ID, buf porttype.BufferInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(id) >= 0 && int(id) < len(t.entries) && t.entries[id].desc.InUse {
		t.entries[id].desc.Buffer = buf
	}
}

// ForEachInUse calls fn for every currently registered port's
// descriptor. fn must not mutate the table.
func (t *Table) ForEachInUse(fn func(Descriptor)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.entries {
		if t.entries[i].desc.InUse {
			fn(t.entries[i].desc)
		}
	}
}

// ConnectionEndpoints returns the raw (source, dest) pairs touching id.
func (t *Table) ConnectionEndpoints(id ID) []struct{ Src, Dst ID } {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]struct{ Src, Dst ID }, 0, len(t.entries[id].connections))
	for _, c := range t.entries[id].connections {
		out = append(out, struct{ Src, Dst ID }{c.Source, c.Dest})
	}
	return out
}
