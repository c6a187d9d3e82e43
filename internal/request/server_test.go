package request

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeLifecycle struct {
	mu               sync.Mutex
	loadErr          error
	nextClientID     int64
	loadedNames      []string
	unloadedNames    []string
	boundEventFD     int
	boundClientID    int64
	transportErrorID int64
}

func (f *fakeLifecycle) Load(name string, external bool) (int64, ConnectResult, []PortTypeDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadedNames = append(f.loadedNames, name)
	if f.loadErr != nil {
		return 0, ConnectResult{}, nil, f.loadErr
	}
	f.nextClientID++
	res := ConnectResult{ProtocolVersion: 1, ClientID: f.nextClientID}
	res.SetClientShmName("client-shm")
	res.SetControlShmName("control-shm")
	res.SetFifoPrefix("/tmp/audiographd/jack-ack-fifo-1")
	pt := PortTypeDescriptor{BufferSize: 2048}
	pt.SetName("32 bit float mono audio")
	pt.SetRegionName("porttype-mono-1")
	return f.nextClientID, res, []PortTypeDescriptor{pt}, nil
}

func (f *fakeLifecycle) Unload(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloadedNames = append(f.unloadedNames, name)
	return nil
}

func (f *fakeLifecycle) BindEventSocket(clientID int64, fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boundClientID, f.boundEventFD = clientID, fd
	return nil
}

func (f *fakeLifecycle) NoteTransportError(clientID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transportErrorID = clientID
}

func testServerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewServerBindsMasterAndAckSockets(t *testing.T) {
	dir := t.TempDir()
	s, err := NewServer(dir, NewMux(&fakeDispatcher{}), &fakeLifecycle{}, testServerLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	masterPath := filepath.Join(dir, fmt.Sprintf("jack_%d", s.Index()))
	ackPath := filepath.Join(dir, fmt.Sprintf("jack_ack_%d", s.Index()))

	if _, err := os.Stat(masterPath); err != nil {
		t.Fatalf("want master socket at %s: %v", masterPath, err)
	}
	if _, err := os.Stat(ackPath); err != nil {
		t.Fatalf("want ack socket at %s: %v", ackPath, err)
	}
}

func TestServerLoadOverMasterSocket(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	s, err := NewServer(dir, NewMux(&fakeDispatcher{}), lc, testServerLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run() }()
	defer func() {
		s.Stop()
		<-runDone
	}()

	masterPath := filepath.Join(dir, fmt.Sprintf("jack_%d", s.Index()))
	conn, err := net.Dial("unix", masterPath)
	if err != nil {
		t.Fatalf("dial master socket: %v", err)
	}
	defer conn.Close()

	req := &ConnectRequest{Load: true, IsExternal: true}
	req.SetName("softsynth")
	if err := binary.Write(conn, binary.LittleEndian, req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	var res ConnectResult
	if err := binary.Read(conn, binary.LittleEndian, &res); err != nil {
		t.Fatalf("read connect result: %v", err)
	}
	if res.Status != 0 || res.ClientID != 1 {
		t.Fatalf("want status 0 client id 1, got %+v", res)
	}
	var pt PortTypeDescriptor
	if err := binary.Read(conn, binary.LittleEndian, &pt); err != nil {
		t.Fatalf("read port type descriptor: %v", err)
	}
	if got := getName(pt.Name); got != "32 bit float mono audio" {
		t.Fatalf("want mono audio port type name, got %q", got)
	}

	lc.mu.Lock()
	loaded := append([]string(nil), lc.loadedNames...)
	lc.mu.Unlock()
	if len(loaded) != 1 || loaded[0] != "softsynth" {
		t.Fatalf("want lifecycle.Load called with softsynth, got %+v", loaded)
	}
}

func TestServerUnloadOverMasterSocketCallsUnload(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	s, err := NewServer(dir, NewMux(&fakeDispatcher{}), lc, testServerLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run() }()
	defer func() {
		s.Stop()
		<-runDone
	}()

	masterPath := filepath.Join(dir, fmt.Sprintf("jack_%d", s.Index()))
	conn, err := net.Dial("unix", masterPath)
	if err != nil {
		t.Fatalf("dial master socket: %v", err)
	}
	defer conn.Close()

	req := &ConnectRequest{Load: false}
	req.SetName("softsynth")
	if err := binary.Write(conn, binary.LittleEndian, req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		lc.mu.Lock()
		n := len(lc.unloadedNames)
		lc.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.unloadedNames) != 1 || lc.unloadedNames[0] != "softsynth" {
		t.Fatalf("want lifecycle.Unload called with softsynth, got %+v", lc.unloadedNames)
	}
}

func TestServerClientRequestRoundTripsThroughMux(t *testing.T) {
	dir := t.TempDir()
	lc := &fakeLifecycle{}
	disp := &fakeDispatcher{registerPortStatus: 0}
	s, err := NewServer(dir, NewMux(disp), lc, testServerLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run() }()
	defer func() {
		s.Stop()
		<-runDone
	}()

	masterPath := filepath.Join(dir, fmt.Sprintf("jack_%d", s.Index()))
	conn, err := net.Dial("unix", masterPath)
	if err != nil {
		t.Fatalf("dial master socket: %v", err)
	}
	defer conn.Close()

	req := &ConnectRequest{Load: true}
	req.SetName("softsynth")
	if err := binary.Write(conn, binary.LittleEndian, req); err != nil {
		t.Fatalf("write connect request: %v", err)
	}
	var res ConnectResult
	if err := binary.Read(conn, binary.LittleEndian, &res); err != nil {
		t.Fatalf("read connect result: %v", err)
	}
	for i := int32(0); i < res.NPortTypes; i++ {
		var pt PortTypeDescriptor
		if err := binary.Read(conn, binary.LittleEndian, &pt); err != nil {
			t.Fatalf("drain port type descriptor: %v", err)
		}
	}

	portReq := &Record{Kind: KindRegisterPort, ClientID: res.ClientID}
	portReq.SetPortName("softsynth:out_1")
	out, err := Encode(portReq)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(out); err != nil {
		t.Fatalf("write register-port request: %v", err)
	}

	replyBuf := make([]byte, RecordSize)
	if _, err := io.ReadFull(conn, replyBuf); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	reply, err := Decode(replyBuf)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != 0 {
		t.Fatalf("want status 0, got %d", reply.Status)
	}
	if reply.GetPortName() != "softsynth:out_1" {
		t.Fatalf("want echoed port name softsynth:out_1, got %q", reply.GetPortName())
	}
}
