package request

import (
	"sync"
)

// Dispatcher is implemented by the engine and invoked by Mux under
// the request mutex, whether the call originated from an
// out-of-process socket or an in-process direct call (spec.md §4.5
// "the policy is uniform").
type Dispatcher interface {
	RegisterPort(clientID int64, name, typeName string, flags PortFlags) (status int32, err error)
	UnregisterPort(clientID int64, name string) (status int32)
	ConnectPorts(source, dest string) (status int32)
	DisconnectPort(port string) (status int32)
	DisconnectPorts(source, dest string) (status int32)
	ActivateClient(clientID int64) (status int32)
	DeactivateClient(clientID int64) (status int32)
	SetTimeBaseClient(clientID int64) (status int32)
	GetPortConnections(port string) (names []string, status int32)
	GetPortNConnections(port string) (n int32, status int32)
	ChangeBufferSize(typeName string, newBufferSize int) (status int32)
}

// Mux serializes every request through a single mutex (spec.md §5
// "The request mutex") regardless of origin.
type Mux struct {
	mu sync.Mutex
	d  Dispatcher
}

// NewMux builds a Mux dispatching to d.
func NewMux(d Dispatcher) *Mux {
	return &Mux{d: d}
}

// Dispatch executes one request record and returns the status-stamped
// reply, taking the request mutex for its duration (spec.md §4.5).
// conns/nconns are only populated for GetPortConnections/
// GetPortNConnections, whose replies bypass the echoed-record
// convention (spec.md §4.5 "writes the reply directly to the caller's
// fd").
func (m *Mux) Dispatch(req *Record) (reply *Record, conns []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reply = req
	switch req.Kind {
	case KindRegisterPort:
		status, _ := m.d.RegisterPort(req.ClientID, req.GetPortName(), req.GetTypeName(), req.Flags)
		reply.Status = status
	case KindUnRegisterPort:
		reply.Status = m.d.UnregisterPort(req.ClientID, req.GetPortName())
	case KindConnectPorts:
		reply.Status = m.d.ConnectPorts(req.GetSourceName(), req.GetDestName())
	case KindDisconnectPort:
		reply.Status = m.d.DisconnectPort(req.GetPortName())
	case KindDisconnectPorts:
		reply.Status = m.d.DisconnectPorts(req.GetSourceName(), req.GetDestName())
	case KindActivateClient:
		reply.Status = m.d.ActivateClient(req.ClientID)
	case KindDeactivateClient:
		reply.Status = m.d.DeactivateClient(req.ClientID)
	case KindSetTimeBaseClient:
		reply.Status = m.d.SetTimeBaseClient(req.ClientID)
	case KindGetPortConnections:
		names, status := m.d.GetPortConnections(req.GetPortName())
		reply.Status = status
		conns = names
	case KindGetPortNConnections:
		n, status := m.d.GetPortNConnections(req.GetPortName())
		reply.Status = status
		reply.NConns = n
	case KindChangeBufferSize:
		reply.Status = m.d.ChangeBufferSize(req.GetTypeName(), int(req.NConns))
	default:
		reply.Status = -1
	}
	return reply, conns
}
