// Package request implements the local-socket control protocol and
// the single request mutex that serializes graph mutation, whether it
// arrives from an out-of-process client's socket or an in-process
// client's direct call (spec.md §4.5, §6).
package request

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// nameSize bounds every textual field to a fixed width so every wire
// record is a fixed size, per spec.md §6 "fixed-size request record".
const nameSize = 128

// Kind enumerates the request types spec.md §4.5 lists.
type Kind int32

const (
	KindRegisterPort Kind = iota
	KindUnRegisterPort
	KindConnectPorts
	KindDisconnectPort
	KindDisconnectPorts
	KindActivateClient
	KindDeactivateClient
	KindSetTimeBaseClient
	KindGetPortConnections
	KindGetPortNConnections
	KindGrantPrivilege // extension slot, spec.md §4.5
	KindChangeBufferSize
)

// PortFlags mirrors port.Flags without importing the port package, so
// the wire protocol has no dependency on the engine's internal types.
type PortFlags uint8

// Record is the fixed-size request/reply record exchanged over a
// client's request socket, and reused verbatim for an in-process
// call through Mux.Dispatch (spec.md §4.5 "the policy is uniform").
type Record struct {
	Kind       Kind
	ClientID   int64
	Status     int32
	PortName   [nameSize]byte
	TypeName   [nameSize]byte
	SourceName [nameSize]byte
	DestName   [nameSize]byte
	Flags      PortFlags
	NConns     int32 // GetPortNConnections reply; also carries the new buffer size for KindChangeBufferSize
}

func setName(dst *[nameSize]byte, s string) {
	*dst = [nameSize]byte{}
	copy(dst[:], s)
}

func getName(src [nameSize]byte) string {
	n := bytes.IndexByte(src[:], 0)
	if n < 0 {
		n = len(src)
	}
	return string(src[:n])
}

// GetPortName/GetTypeName/GetSourceName/GetDestName return the trimmed string
// value of each fixed-width field.
func (r *Record) GetPortName() string   { return getName(r.PortName) }
func (r *Record) GetTypeName() string   { return getName(r.TypeName) }
func (r *Record) GetSourceName() string { return getName(r.SourceName) }
func (r *Record) GetDestName() string   { return getName(r.DestName) }

// SetPortName/SetTypeName/SetSourceName/SetDestName store a string
// into the fixed-width field, truncating silently past nameSize — no
// request field is expected to approach that width in practice.
func (r *Record) SetPortName(s string)   { setName(&r.PortName, s) }
func (r *Record) SetTypeName(s string)   { setName(&r.TypeName, s) }
func (r *Record) SetSourceName(s string) { setName(&r.SourceName, s) }
func (r *Record) SetDestName(s string)   { setName(&r.DestName, s) }

// Encode serializes r to its fixed-size wire form.
func Encode(r *Record) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, r); err != nil {
		return nil, fmt.Errorf("request: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a fixed-size wire record.
func Decode(b []byte) (*Record, error) {
	r := &Record{}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, r); err != nil {
		return nil, fmt.Errorf("request: decode: %w", err)
	}
	return r, nil
}

// RecordSize is the fixed wire size of a Record, used for read sizing
// in the poll loop.
var RecordSize = func() int {
	buf, _ := Encode(&Record{})
	return len(buf)
}()

// ConnectRequest is the initial message on the master socket
// (spec.md §6): either a load (create client) or unload.
type ConnectRequest struct {
	Load       bool
	Name       [nameSize]byte
	ObjectPath [nameSize]byte
	ObjectData [nameSize]byte
	IsExternal bool
}

func (c *ConnectRequest) GetName() string { return getName(c.Name) }
func (c *ConnectRequest) SetName(s string) { setName(&c.Name, s) }

// ConnectResult answers a ConnectRequest (spec.md §6).
type ConnectResult struct {
	ProtocolVersion int32
	ClientID        int64
	ClientShmName   [nameSize]byte
	ControlShmName  [nameSize]byte
	ControlSize     int64
	Realtime        bool
	RTPriority      int32
	NPortTypes      int32
	FifoPrefix      [nameSize]byte
	Status          int32
}

func (c *ConnectResult) SetClientShmName(s string)  { setName(&c.ClientShmName, s) }
func (c *ConnectResult) SetControlShmName(s string) { setName(&c.ControlShmName, s) }
func (c *ConnectResult) SetFifoPrefix(s string)     { setName(&c.FifoPrefix, s) }

// PortTypeDescriptor is one of the NPortTypes descriptors following a
// ConnectResult on the master socket (spec.md §6).
type PortTypeDescriptor struct {
	Name       [nameSize]byte
	RegionName [nameSize]byte
	BufferSize int32
}

func (d *PortTypeDescriptor) SetName(s string)       { setName(&d.Name, s) }
func (d *PortTypeDescriptor) SetRegionName(s string) { setName(&d.RegionName, s) }

// AckRequest is sent on the ack socket to bind it as a client's event
// socket (spec.md §6).
type AckRequest struct {
	ClientID int64
}

// AckResult answers an AckRequest with a single status.
type AckResult struct {
	Status int32
}

// EventKind enumerates spec.md §4.7's event kinds.
type EventKind int32

const (
	EventPortRegistered EventKind = iota
	EventPortUnregistered
	EventPortConnected
	EventPortDisconnected
	EventBufferSizeChange
	EventSampleRateChange
	EventGraphReordered
	EventXRun
	EventNewPortType
)

// Event is the fixed-size record written to an external client's
// event socket (spec.md §4.7).
type Event struct {
	Kind           EventKind
	SelfID         int64
	OtherID        int64
	ExecutionOrder int32
	BufferSize     int32
	SampleRate     int32
	RegionName     [nameSize]byte
}

func (e *Event) SetRegionName(s string) { setName(&e.RegionName, s) }
func (e *Event) GetRegionName() string  { return getName(e.RegionName) }
