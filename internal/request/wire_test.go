package request

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func pipeFDs(t *testing.T) (readFD, writeFD int, cleanup func()) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	return int(r.Fd()), int(w.Fd()), func() {
		r.Close()
		w.Close()
	}
}

func socketPair(t *testing.T) (a, b int, cleanup func()) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1], func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	}
}

func encodeFixed(t *testing.T, v any) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestConnectRequestWireRoundTrip(t *testing.T) {
	rfd, wfd, cleanup := pipeFDs(t)
	defer cleanup()

	req := &ConnectRequest{Load: true, IsExternal: true}
	req.SetName("softsynth")

	errCh := make(chan error, 1)
	go func() { errCh <- writeFull(wfd, encodeFixed(t, req)) }()

	got, err := readConnectRequest(rfd)
	if err != nil {
		t.Fatalf("readConnectRequest: %v", err)
	}
	if werr := <-errCh; werr != nil {
		t.Fatalf("write connect request: %v", werr)
	}
	if !got.Load || !got.IsExternal || got.GetName() != "softsynth" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestConnectResultAndPortTypesWireRoundTrip(t *testing.T) {
	rfd, wfd, cleanup := pipeFDs(t)
	defer cleanup()

	res := &ConnectResult{ProtocolVersion: 1, ClientID: 9, Status: 0}
	res.SetClientShmName("client-shm")
	res.SetControlShmName("control-shm")
	res.SetFifoPrefix("/tmp/audiographd/jack-ack-fifo-9")
	types := []PortTypeDescriptor{{BufferSize: 2048}}
	types[0].SetName("32 bit float mono audio")
	types[0].SetRegionName("porttype-mono-1")
	res.NPortTypes = int32(len(types))

	errCh := make(chan error, 1)
	go func() { errCh <- writeConnectResult(wfd, res, types) }()

	buf := make([]byte, sizeOf(*res)+sizeOf(types[0]))
	if err := readFull(rfd, buf); err != nil {
		t.Fatalf("readFull: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeConnectResult: %v", err)
	}
}

func TestAckRequestResultWireRoundTrip(t *testing.T) {
	rfd, wfd, cleanup := pipeFDs(t)
	defer cleanup()

	areq := &AckRequest{ClientID: 5}
	errCh := make(chan error, 1)
	go func() { errCh <- writeFull(wfd, encodeFixed(t, areq)) }()

	got, err := readAckRequest(rfd)
	if err != nil {
		t.Fatalf("readAckRequest: %v", err)
	}
	if werr := <-errCh; werr != nil {
		t.Fatalf("write ack request: %v", werr)
	}
	if got.ClientID != 5 {
		t.Fatalf("want client id 5, got %d", got.ClientID)
	}
}

func TestAckResultWireRoundTrip(t *testing.T) {
	rfd, wfd, cleanup := pipeFDs(t)
	defer cleanup()

	errCh := make(chan error, 1)
	go func() { errCh <- writeAckResult(wfd, &AckResult{Status: 0}) }()

	buf := make([]byte, 4)
	if err := readFull(rfd, buf); err != nil {
		t.Fatalf("readFull: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeAckResult: %v", err)
	}
}

func TestWriteStringsEncodesCountAndPaddedNames(t *testing.T) {
	rfd, wfd, cleanup := pipeFDs(t)
	defer cleanup()

	names := []string{"synth:out_1", "synth:out_2"}
	errCh := make(chan error, 1)
	go func() { errCh <- writeStrings(wfd, names) }()

	countBuf := make([]byte, 4)
	if err := readFull(rfd, countBuf); err != nil {
		t.Fatalf("read count: %v", err)
	}
	count := binary.LittleEndian.Uint32(countBuf)
	if int(count) != len(names) {
		t.Fatalf("want count %d, got %d", len(names), count)
	}
	for _, want := range names {
		field := make([]byte, nameSize)
		if err := readFull(rfd, field); err != nil {
			t.Fatalf("read name field: %v", err)
		}
		if got := getName([nameSize]byte(field)); got != want {
			t.Fatalf("want name %q, got %q", want, got)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeStrings: %v", err)
	}
}

func TestWriteEventRoundTripsStatusByte(t *testing.T) {
	a, b, cleanup := socketPair(t)
	defer cleanup()

	ev := &Event{Kind: EventPortRegistered, SelfID: 3, ExecutionOrder: 2}
	ev.SetRegionName("porttype-mono-2")

	peerDone := make(chan error, 1)
	go func() {
		buf := make([]byte, sizeOf(*ev))
		if err := readFull(b, buf); err != nil {
			peerDone <- err
			return
		}
		peerDone <- writeFull(b, []byte{0})
	}()

	if err := WriteEvent(a, ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := <-peerDone; err != nil {
		t.Fatalf("peer side: %v", err)
	}
}
