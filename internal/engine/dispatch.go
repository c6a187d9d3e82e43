package engine

import (
	"fmt"

	"github.com/audiograph/audiographd/internal/client"
	"github.com/audiograph/audiographd/internal/port"
	"github.com/audiograph/audiographd/internal/porttype"
	"github.com/audiograph/audiographd/internal/request"
)

func toPortFlags(f request.PortFlags) port.Flags { return port.Flags(f) }

// CreateClient creates an in-process (Internal or Driver) client
// directly, bypassing the socket handshake (spec.md §4.6 "Create").
// process may be nil for a client with no per-cycle callback.
func (e *Engine) CreateClient(name string, kind client.Kind, process client.ProcessFunc) (*client.Client, error) {
	e.Lock()
	defer e.Unlock()
	c, err := e.clients.Create(name, kind)
	if err != nil {
		return nil, err
	}
	c.Dispatch.Process = process
	return c, nil
}

// RegisterInternalEventHandler wires an Internal client's direct
// event callback (spec.md §4.7).
func (e *Engine) RegisterInternalEventHandler(clientID int64, h InternalEventHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.internalHandlers[clientID] = h
}

// RegisterPort implements request.Dispatcher (spec.md §4.2 register()).
func (e *Engine) RegisterPort(clientID int64, name, typeName string, flags request.PortFlags) (int32, error) {
	e.Lock()
	defer e.Unlock()

	pt, ok := e.types.ByName(typeName)
	if !ok {
		return -1, fmt.Errorf("register: unknown type %q", typeName)
	}
	silent := e.silentBuffer
	id, err := e.ports.Register(clientID, name, pt, toPortFlags(flags), silent)
	if err != nil {
		return -1, err
	}
	if err := e.clients.AddPort(clientID, id); err != nil {
		_, _ = e.ports.Unregister(id, clientID)
		return -1, err
	}
	e.notifyAllLocked(request.Event{Kind: request.EventPortRegistered, SelfID: clientID, OtherID: int64(id)})
	return 0, nil
}

// UnregisterPort implements request.Dispatcher (spec.md §4.2
// unregister()).
func (e *Engine) UnregisterPort(clientID int64, name string) int32 {
	e.Lock()
	defer e.Unlock()

	id, ok := e.ports.Find(name)
	if !ok {
		return -1
	}
	d, err := e.ports.Get(id)
	if err != nil || d.OwningClientID != clientID {
		return -1
	}
	pt, _ := e.types.ByID(d.TypeID)
	peers, _ := e.ports.DisconnectAll(id, pt, e.silentBuffer)
	for _, peerID := range peers {
		pd, _ := e.ports.Get(peerID)
		e.notifyAllLocked(request.Event{Kind: request.EventPortDisconnected, SelfID: d.OwningClientID, OtherID: int64(peerID)})
		e.notifyAllLocked(request.Event{Kind: request.EventPortDisconnected, SelfID: pd.OwningClientID, OtherID: int64(id)})
	}
	if _, err := e.ports.Unregister(id, clientID); err != nil {
		return -1
	}
	if pt, ok := e.types.ByID(d.TypeID); ok && d.Flags.IsOutput() {
		pt.Release(d.Buffer)
	}
	_ = e.clients.RemovePort(clientID, id)
	e.notifyAllLocked(request.Event{Kind: request.EventPortUnregistered, SelfID: clientID, OtherID: int64(id)})
	if err := e.sorter.Sort(); err != nil {
		e.logger.Error("resort after unregister failed", "error", err)
	} else {
		e.notifyReorder()
	}
	return 0
}

// ConnectPorts implements request.Dispatcher (spec.md §4.2 connect()).
func (e *Engine) ConnectPorts(source, dest string) int32 {
	e.Lock()
	defer e.Unlock()

	srcID, ok := e.ports.Find(source)
	if !ok {
		return -1
	}
	dstID, ok := e.ports.Find(dest)
	if !ok {
		return -1
	}
	if err := e.sorter.Connect(source, dest); err != nil {
		return -1
	}
	sd, _ := e.ports.Get(srcID)
	dd, _ := e.ports.Get(dstID)
	e.notifyAllLocked(request.Event{Kind: request.EventPortConnected, SelfID: sd.OwningClientID, OtherID: dd.OwningClientID})
	e.notifyAllLocked(request.Event{Kind: request.EventPortConnected, SelfID: dd.OwningClientID, OtherID: sd.OwningClientID})
	e.notifyReorder()
	return 0
}

// DisconnectPorts implements request.Dispatcher (spec.md §4.2
// disconnect()).
func (e *Engine) DisconnectPorts(source, dest string) int32 {
	e.Lock()
	defer e.Unlock()

	srcID, ok := e.ports.Find(source)
	if !ok {
		return -1
	}
	dstID, ok := e.ports.Find(dest)
	if !ok {
		return -1
	}
	sd, _ := e.ports.Get(srcID)
	dd, _ := e.ports.Get(dstID)
	if err := e.sorter.Disconnect(source, dest); err != nil {
		return -1
	}
	e.notifyAllLocked(request.Event{Kind: request.EventPortDisconnected, SelfID: sd.OwningClientID, OtherID: dd.OwningClientID})
	e.notifyAllLocked(request.Event{Kind: request.EventPortDisconnected, SelfID: dd.OwningClientID, OtherID: sd.OwningClientID})
	e.notifyReorder()
	return 0
}

// DisconnectPort implements request.Dispatcher: removes every
// connection on one port (spec.md §4.2 "disconnect_all").
func (e *Engine) DisconnectPort(portName string) int32 {
	e.Lock()
	defer e.Unlock()

	id, ok := e.ports.Find(portName)
	if !ok {
		return -1
	}
	d, err := e.ports.Get(id)
	if err != nil {
		return -1
	}
	pt, _ := e.types.ByID(d.TypeID)
	peers, err := e.ports.DisconnectAll(id, pt, e.silentBuffer)
	if err != nil {
		return -1
	}
	for _, peerID := range peers {
		pd, _ := e.ports.Get(peerID)
		e.notifyAllLocked(request.Event{Kind: request.EventPortDisconnected, SelfID: d.OwningClientID, OtherID: int64(peerID)})
		e.notifyAllLocked(request.Event{Kind: request.EventPortDisconnected, SelfID: pd.OwningClientID, OtherID: int64(id)})
	}
	if err := e.sorter.Sort(); err != nil {
		e.logger.Error("resort after disconnect-all failed", "error", err)
	} else {
		e.notifyReorder()
	}
	return 0
}

// ActivateClient implements request.Dispatcher (spec.md §4.6
// "Activate").
func (e *Engine) ActivateClient(clientID int64) int32 {
	e.Lock()
	defer e.Unlock()
	if err := e.clients.Activate(clientID); err != nil {
		return -1
	}
	if err := e.sorter.Sort(); err != nil {
		e.logger.Error("resort after activate failed", "error", err)
		return -1
	}
	e.notifyReorder()
	return 0
}

// DeactivateClient implements request.Dispatcher (spec.md §4.6
// "Deactivate").
func (e *Engine) DeactivateClient(clientID int64) int32 {
	e.Lock()
	defer e.Unlock()
	c, err := e.clients.Get(clientID)
	if err != nil {
		return -1
	}
	for _, pid := range append([]port.ID(nil), c.Ports...) {
		pd, perr := e.ports.Get(pid)
		if perr != nil {
			continue
		}
		pt, _ := e.types.ByID(pd.TypeID)
		_, _ = e.ports.DisconnectAll(pid, pt, e.silentBuffer)
	}
	if err := e.clients.Deactivate(clientID); err != nil {
		return -1
	}
	if e.clients.Timebase() == 0 {
		e.transport.Reset()
	}
	if err := e.sorter.Sort(); err != nil {
		e.logger.Error("resort after deactivate failed", "error", err)
	} else {
		e.notifyReorder()
	}
	return 0
}

// SetTimeBaseClient implements request.Dispatcher (spec.md §3
// "timebase client").
func (e *Engine) SetTimeBaseClient(clientID int64) int32 {
	e.Lock()
	defer e.Unlock()
	if err := e.clients.SetTimebase(clientID); err != nil {
		return -1
	}
	return 0
}

// GetPortConnections implements request.Dispatcher.
func (e *Engine) GetPortConnections(portName string) ([]string, int32) {
	e.Lock()
	defer e.Unlock()
	id, ok := e.ports.Find(portName)
	if !ok {
		return nil, -1
	}
	peers, err := e.ports.Connections(id)
	if err != nil {
		return nil, -1
	}
	names := make([]string, 0, len(peers))
	for _, p := range peers {
		d, err := e.ports.Get(p)
		if err == nil {
			names = append(names, d.Name)
		}
	}
	return names, 0
}

// GetPortNConnections implements request.Dispatcher.
func (e *Engine) GetPortNConnections(portName string) (int32, int32) {
	e.Lock()
	defer e.Unlock()
	id, ok := e.ports.Find(portName)
	if !ok {
		return 0, -1
	}
	n, err := e.ports.NumConnections(id)
	if err != nil {
		return 0, -1
	}
	return int32(n), 0
}

// ChangeBufferSize implements request.Dispatcher (spec.md §4.1 "On
// buffer-size change"): resizes one port type's arena in place,
// rebases every port currently using one of its buffers onto the new
// layout, and delivers a single BufferSizeChange event to every
// active client (spec.md §8 concrete scenario 5).
func (e *Engine) ChangeBufferSize(typeName string, newBufferSize int) int32 {
	e.Lock()
	defer e.Unlock()

	pt, ok := e.types.ByName(typeName)
	if !ok {
		return -1
	}
	oldBufferSize := pt.BufferSize
	if _, err := pt.Resize(newBufferSize); err != nil {
		e.logger.Error("resize port type failed", "type", typeName, "error", err)
		return -1
	}
	e.ports.ForEachInUse(func(d port.Descriptor) {
		if d.TypeID != pt.ID {
			return
		}
		e.ports.SetBuffer(d.ID, pt.Rebase(d.Buffer, oldBufferSize))
	})
	if e.silentType == pt {
		e.silentBuffer = pt.Rebase(e.silentBuffer, oldBufferSize)
	}

	ev := request.Event{Kind: request.EventBufferSizeChange, BufferSize: int32(newBufferSize)}
	ev.SetRegionName(pt.Region().Name())
	e.notifyAllLocked(ev)
	return 0
}

// Load implements request.Lifecycle (spec.md §4.6 "Create", §6
// connect-request/connect-result).
func (e *Engine) Load(name string, external bool) (int64, request.ConnectResult, []request.PortTypeDescriptor, error) {
	e.Lock()
	kind := client.Internal
	if external {
		kind = client.External
	}
	c, err := e.clients.Create(name, kind)
	e.Unlock()
	if err != nil {
		return 0, request.ConnectResult{}, nil, err
	}

	types := e.types.All()
	descs := make([]request.PortTypeDescriptor, len(types))
	for i, t := range types {
		descs[i].SetName(t.Name)
		descs[i].SetRegionName(t.Region().Name())
		descs[i].BufferSize = int32(t.BufferSize)
	}

	res := request.ConnectResult{
		ProtocolVersion: 1,
		ClientID:        c.ID,
		ControlSize:     0,
		Realtime:        e.cfg.Realtime,
		RTPriority:      int32(e.cfg.RTPriority),
	}
	res.SetFifoPrefix(fmt.Sprintf("jack-ack-fifo-%d-", e.pid))
	return c.ID, res, descs, nil
}

// Unload implements request.Lifecycle (spec.md §4.6 "Remove").
func (e *Engine) Unload(name string) error {
	e.Lock()
	c, err := e.clients.GetByName(name)
	e.Unlock()
	if err != nil {
		return err
	}
	return e.removeClient(c.ID)
}

// BindEventSocket implements request.Lifecycle (spec.md §4.5 "bind
// the new fd as the event socket").
func (e *Engine) BindEventSocket(clientID int64, fd int) error {
	e.Lock()
	defer e.Unlock()
	c, err := e.clients.Get(clientID)
	if err != nil {
		return err
	}
	c.Dispatch.EventFD = fd
	return nil
}

// NoteTransportError implements request.Lifecycle (spec.md §4.6
// "Error accounting" — a socket-level failure adds ERROR_WITH_SOCKETS).
func (e *Engine) NoteTransportError(clientID int64) {
	e.Lock()
	c, err := e.clients.Get(clientID)
	e.Unlock()
	if err != nil {
		return
	}
	c.ErrorCount += client.ErrorWithSockets
}

// removeClient performs the two-stage zombify-then-remove sequence
// immediately (used for explicit unload, spec.md §4.6 "Remove").
func (e *Engine) removeClient(clientID int64) error {
	e.Lock()
	defer e.Unlock()
	c, err := e.clients.Get(clientID)
	if err != nil {
		return err
	}
	for _, pid := range append([]port.ID(nil), c.Ports...) {
		pd, perr := e.ports.Get(pid)
		var pt *porttype.Type
		if perr == nil {
			pt, _ = e.types.ByID(pd.TypeID)
		}
		peers, _ := e.ports.DisconnectAll(pid, pt, e.silentBuffer)
		for _, peerID := range peers {
			pd, _ := e.ports.Get(peerID)
			e.notifyAllLocked(request.Event{Kind: request.EventPortDisconnected, SelfID: clientID, OtherID: int64(peerID)})
			e.notifyAllLocked(request.Event{Kind: request.EventPortDisconnected, SelfID: pd.OwningClientID, OtherID: int64(pid)})
		}
		d, err := e.ports.Unregister(pid, clientID)
		if err == nil {
			if pt, ok := e.types.ByID(d.TypeID); ok && d.Flags.IsOutput() {
				pt.Release(d.Buffer)
			}
			e.notifyAllLocked(request.Event{Kind: request.EventPortUnregistered, SelfID: clientID, OtherID: int64(pid)})
		}
	}
	_ = e.clients.Zombify(clientID)
	if e.clients.Timebase() == clientID {
		e.transport.Reset()
	}
	if c.Dispatch.EventFD != 0 {
		_ = closeFD(c.Dispatch.EventFD)
	}
	_, _ = e.clients.Remove(clientID)
	e.handlersMu.Lock()
	delete(e.internalHandlers, clientID)
	e.handlersMu.Unlock()
	err = e.sorter.Sort()
	if err == nil {
		e.notifyReorder()
	}
	return err
}

func (e *Engine) notifyReorder() {
	for _, c := range e.clients.All() {
		e.deliver(c, request.Event{Kind: request.EventGraphReordered, SelfID: c.ID, ExecutionOrder: int32(c.ExecutionOrder)})
	}
}

// notifyAllLocked delivers ev to every active, non-dead client. It
// assumes the graph mutex is already held.
func (e *Engine) notifyAllLocked(ev request.Event) {
	for _, c := range e.clients.All() {
		e.deliver(c, ev)
	}
}

func (e *Engine) deliver(c *client.Client, ev request.Event) {
	if c.Dead || !c.Active {
		return
	}
	switch c.Kind {
	case client.External:
		if c.Dispatch.EventFD == 0 {
			return
		}
		if err := request.WriteEvent(c.Dispatch.EventFD, &ev); err != nil {
			c.ErrorCount += client.ErrorWithSockets
		}
	default:
		e.handlersMu.Lock()
		h := e.internalHandlers[c.ID]
		e.handlersMu.Unlock()
		if h != nil {
			if h(ev) != 0 {
				c.ErrorCount++
			}
		}
	}
}
