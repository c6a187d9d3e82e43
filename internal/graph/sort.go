// Package graph implements the topological sorter: fed_by closure,
// stable execution ordering, subgraph FIFO rechaining, and latency
// recomputation (spec.md §4.3).
package graph

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/audiograph/audiographd/internal/client"
	"github.com/audiograph/audiographd/internal/fifo"
	"github.com/audiograph/audiographd/internal/port"
	"github.com/audiograph/audiographd/internal/porttype"
)

// maxLatencyHops bounds the latency recursion so cycles terminate
// (spec.md §4.3 step 4, §9 "Cyclic graph").
const maxLatencyHops = 8

// SelfConnectMode governs whether Connect allows a client to wire its
// own output to its own input. Supplemental to spec.md §4.2 (the
// original jackd exposes this as --self-connect-mode; spec.md's
// connect() failure list does not mention self-connection, so the
// default is Allow).
type SelfConnectMode int

const (
	SelfConnectAllow SelfConnectMode = iota
	SelfConnectFailExternal
	SelfConnectFailAll
)

// Event mirrors spec.md §4.7's event kinds relevant to the sorter:
// GraphReordered carries the client's new execution order.
type Event struct {
	Kind           string
	ClientID       int64
	ExecutionOrder int
}

// Sorter owns the FIFO chain and computes execution order.
type Sorter struct {
	clients  *client.Registry
	ports    *port.Table
	typeOf   func(typeID int) (*porttype.Type, bool)
	silent   func() porttype.BufferInfo
	fifoDir  string
	pid      int
	fifos    []*fifo.FIFO
	selfConn SelfConnectMode
	driverID int64 // client id eligible to break feedback-cycle ties

	mu         sync.Mutex
	lastSorted []*client.Client
}

// New builds a Sorter. typeOf resolves a port type id to its arena
// (consulted by Connect/Disconnect for mixdown buffer assignment and
// the "dest already connected and no mixdown" failure, spec.md §4.1,
// §4.2); silent returns the process-wide silent buffer a
// fully-disconnected input port falls back to.
func New(clients *client.Registry, ports *port.Table, typeOf func(typeID int) (*porttype.Type, bool), silent func() porttype.BufferInfo, fifoDir string, pid int) *Sorter {
	return &Sorter{clients: clients, ports: ports, typeOf: typeOf, silent: silent, fifoDir: fifoDir, pid: pid}
}

// SetSelfConnectMode configures the self-connection policy.
func (s *Sorter) SetSelfConnectMode(m SelfConnectMode) { s.selfConn = m }

// SetDriverClient records which client id is the hardware-facing
// driver client, used to break feedback-cycle ties (spec.md §4.3
// step 3).
func (s *Sorter) SetDriverClient(id int64) { s.driverID = id }

// Connect validates and records a connection, then re-sorts the graph
// (spec.md §4.2 connect()).
func (s *Sorter) Connect(srcName, dstName string) error {
	src, ok := s.ports.Find(srcName)
	if !ok {
		return fmt.Errorf("connect: %w: %q", port.ErrUnknownPort, srcName)
	}
	dst, ok := s.ports.Find(dstName)
	if !ok {
		return fmt.Errorf("connect: %w: %q", port.ErrUnknownPort, dstName)
	}
	sd, err := s.ports.Get(src)
	if err != nil {
		return err
	}
	dd, err := s.ports.Get(dst)
	if err != nil {
		return err
	}
	if s.selfConn != SelfConnectAllow && sd.OwningClientID == dd.OwningClientID {
		sc, _ := s.clients.Get(sd.OwningClientID)
		if s.selfConn == SelfConnectFailAll || (sc != nil && sc.Kind == client.External) {
			return fmt.Errorf("connect: self-connection disallowed by policy")
		}
	}
	srcClient, err := s.clients.Get(sd.OwningClientID)
	if err != nil {
		return fmt.Errorf("connect: source owner: %w", err)
	}
	dstClient, err := s.clients.Get(dd.OwningClientID)
	if err != nil {
		return fmt.Errorf("connect: dest owner: %w", err)
	}
	pt, _ := s.typeOf(sd.TypeID)
	if err := s.ports.Connect(src, dst, pt, srcClient.Active, dstClient.Active); err != nil {
		return err
	}
	return s.Sort()
}

// Disconnect removes a connection and re-sorts.
func (s *Sorter) Disconnect(srcName, dstName string) error {
	src, ok := s.ports.Find(srcName)
	if !ok {
		return fmt.Errorf("disconnect: %w: %q", port.ErrUnknownPort, srcName)
	}
	dst, ok := s.ports.Find(dstName)
	if !ok {
		return fmt.Errorf("disconnect: %w: %q", port.ErrUnknownPort, dstName)
	}
	sd, err := s.ports.Get(src)
	if err != nil {
		return err
	}
	pt, _ := s.typeOf(sd.TypeID)
	if err := s.ports.Disconnect(src, dst, pt, s.silent()); err != nil {
		return err
	}
	return s.Sort()
}

// Sort recomputes fed_by, execution order, latencies, and FIFO
// chaining for the whole graph (spec.md §4.3). It must be called with
// the engine's graph mutex held.
func (s *Sorter) Sort() error {
	clients := s.clients.All()

	direct := s.computeDirectFedBy(clients)
	s.computeClosure(clients, direct)
	sorted := s.stableSort(clients)
	for i, c := range sorted {
		c.ExecutionOrder = i
	}
	s.computeLatencies(clients)
	if err := s.rechainFIFOs(sorted); err != nil {
		return fmt.Errorf("graph: rechain fifos: %w", err)
	}
	s.mu.Lock()
	s.lastSorted = sorted
	s.mu.Unlock()
	return nil
}

// Sorted returns the client execution order computed by the most
// recent Sort call (spec.md §4.4 "Process clients in sorted order").
func (s *Sorter) Sorted() []*client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client.Client, len(s.lastSorted))
	copy(out, s.lastSorted)
	return out
}

// computeDirectFedBy fills direct[id] with the set of clients that
// feed id's inputs directly, without transitive closure (spec.md
// §4.3 step 1).
func (s *Sorter) computeDirectFedBy(clients []*client.Client) map[int64]map[int64]bool {
	direct := make(map[int64]map[int64]bool, len(clients))
	for _, c := range clients {
		fedBy := make(map[int64]bool)
		for _, pid := range c.Ports {
			d, err := s.ports.Get(pid)
			if err != nil || !d.Flags.IsInput() {
				continue
			}
			peers, err := s.ports.Connections(pid)
			if err != nil {
				continue
			}
			for _, peerID := range peers {
				pd, err := s.ports.Get(peerID)
				if err != nil || pd.OwningClientID == c.ID {
					continue
				}
				fedBy[pd.OwningClientID] = true
			}
		}
		direct[c.ID] = fedBy
	}
	return direct
}

// computeClosure extends direct fed_by to its transitive closure via a
// guarded recursive walk, and writes the result into each client's
// FedBy field (spec.md §4.3 step 2, "trace terminal").
func (s *Sorter) computeClosure(clients []*client.Client, direct map[int64]map[int64]bool) {
	for _, c := range clients {
		visited := make(map[int64]bool)
		var walk func(id int64)
		walk = func(id int64) {
			if visited[id] {
				return
			}
			visited[id] = true
			for fid := range direct[id] {
				walk(fid)
			}
		}
		for fid := range direct[c.ID] {
			walk(fid)
		}
		delete(visited, c.ID)
		c.FedBy = visited
	}
}

// stableSort orders clients so that a after b iff b is in fed_by(a),
// breaking feedback-cycle ties in favor of the driver client, and
// otherwise preserving existing relative order (spec.md §4.3 step 3).
func (s *Sorter) stableSort(clients []*client.Client) []*client.Client {
	out := make([]*client.Client, len(clients))
	copy(out, clients)

	cmp := func(a, b *client.Client) int {
		aAfterB := a.FedBy[b.ID] // b feeds a
		bAfterA := b.FedBy[a.ID] // a feeds b
		switch {
		case aAfterB && bAfterA:
			// feedback cycle: driver sorts first.
			if a.ID == s.driverID {
				return -1
			}
			if b.ID == s.driverID {
				return 1
			}
			return 0
		case aAfterB:
			return 1
		case bAfterA:
			return -1
		default:
			return 0
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return cmp(out[i], out[j]) < 0
	})
	return out
}

// computeLatencies recomputes total_latency for every in-use port
// (spec.md §4.3 step 4).
func (s *Sorter) computeLatencies(clients []*client.Client) {
	byOwner := make(map[int64][]port.ID)
	for _, c := range clients {
		byOwner[c.ID] = c.Ports
	}
	s.ports.ForEachInUse(func(d port.Descriptor) {
		var total int
		if d.Flags.IsOutput() {
			total = s.latencyForward(d.ID, byOwner, 0)
		} else {
			total = s.latencyBackward(d.ID, byOwner, 0)
		}
		s.ports.SetTotalLatency(d.ID, total)
	})
}

func (s *Sorter) latencyForward(id port.ID, byOwner map[int64][]port.ID, hop int) int {
	d, err := s.ports.Get(id)
	if err != nil {
		return 0
	}
	if d.Flags.IsTerminal() || hop >= maxLatencyHops {
		return d.Latency
	}
	best := 0
	peers, _ := s.ports.Connections(id)
	for _, destID := range peers {
		dd, err := s.ports.Get(destID)
		if err != nil {
			continue
		}
		for _, op := range byOwner[dd.OwningClientID] {
			od, err := s.ports.Get(op)
			if err != nil || !od.Flags.IsOutput() {
				continue
			}
			v := s.latencyForward(op, byOwner, hop+1)
			if v > best {
				best = v
			}
		}
	}
	return d.Latency + best
}

func (s *Sorter) latencyBackward(id port.ID, byOwner map[int64][]port.ID, hop int) int {
	d, err := s.ports.Get(id)
	if err != nil {
		return 0
	}
	if d.Flags.IsTerminal() || hop >= maxLatencyHops {
		return d.Latency
	}
	best := 0
	peers, _ := s.ports.Connections(id)
	for _, srcID := range peers {
		sdsc, err := s.ports.Get(srcID)
		if err != nil {
			continue
		}
		for _, ip := range byOwner[sdsc.OwningClientID] {
			idsc, err := s.ports.Get(ip)
			if err != nil || !idsc.Flags.IsInput() {
				continue
			}
			v := s.latencyBackward(ip, byOwner, hop+1)
			if v > best {
				best = v
			}
		}
	}
	return d.Latency + best
}

// rechainFIFOs walks the sorted client list, opening and binding FIFOs
// to delimit maximal runs of External clients (spec.md §4.3 step 5).
func (s *Sorter) rechainFIFOs(sorted []*client.Client) error {
	n := 0
	if err := s.ensureFIFO(n); err != nil {
		return err
	}
	var subgraphStart *client.Client

	for _, c := range sorted {
		switch c.Kind {
		case client.External:
			if subgraphStart == nil {
				c.Dispatch.SubgraphStartFD = s.fifos[n].FD()
				subgraphStart = c
			} else {
				c.Dispatch.SubgraphWaitFD = -1
			}
		default: // Internal or Driver
			if subgraphStart != nil {
				n++
				if err := s.ensureFIFO(n); err != nil {
					return err
				}
				subgraphStart.Dispatch.SubgraphWaitFD = s.fifos[n].FD()
				subgraphStart = nil
			}
		}
	}
	if subgraphStart != nil {
		n++
		if err := s.ensureFIFO(n); err != nil {
			return err
		}
		subgraphStart.Dispatch.SubgraphWaitFD = s.fifos[n].FD()
	}
	return nil
}

func (s *Sorter) ensureFIFO(n int) error {
	for len(s.fifos) <= n {
		idx := len(s.fifos)
		path := fifo.Prefix(s.fifoDir, s.pid, idx)
		_ = filepath.Base(path)
		f, err := fifo.Create(path)
		if err != nil {
			return err
		}
		s.fifos = append(s.fifos, f)
	}
	return nil
}

// CloseFIFOs releases every FIFO this sorter has opened, for server
// shutdown.
func (s *Sorter) CloseFIFOs() {
	for _, f := range s.fifos {
		_ = f.Close()
		_ = f.Remove()
	}
	s.fifos = nil
}
