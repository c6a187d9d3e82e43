package request

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

func sizeOf(v any) int {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Len()
}

func readConnectRequest(fd int) (*ConnectRequest, error) {
	var zero ConnectRequest
	buf := make([]byte, sizeOf(zero))
	if err := readFull(fd, buf); err != nil {
		return nil, err
	}
	req := &ConnectRequest{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, req); err != nil {
		return nil, fmt.Errorf("request: decode connect-request: %w", err)
	}
	return req, nil
}

func writeConnectResult(fd int, res *ConnectResult, types []PortTypeDescriptor) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, res); err != nil {
		return fmt.Errorf("request: encode connect-result: %w", err)
	}
	for i := range types {
		if err := binary.Write(buf, binary.LittleEndian, &types[i]); err != nil {
			return fmt.Errorf("request: encode port-type descriptor: %w", err)
		}
	}
	return writeFull(fd, buf.Bytes())
}

func readAckRequest(fd int) (*AckRequest, error) {
	var zero AckRequest
	buf := make([]byte, sizeOf(zero))
	if err := readFull(fd, buf); err != nil {
		return nil, err
	}
	req := &AckRequest{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, req); err != nil {
		return nil, fmt.Errorf("request: decode ack-request: %w", err)
	}
	return req, nil
}

func writeAckResult(fd int, res *AckResult) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, res); err != nil {
		return fmt.Errorf("request: encode ack-result: %w", err)
	}
	return writeFull(fd, buf.Bytes())
}

// writeStrings answers a GetPortConnections request directly on the
// caller's fd (spec.md §4.5), as a count followed by nameSize-padded
// names.
func writeStrings(fd int, names []string) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(names))); err != nil {
		return err
	}
	for _, n := range names {
		var field [nameSize]byte
		copy(field[:], n)
		if err := binary.Write(buf, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	return writeFull(fd, buf.Bytes())
}

// WriteEvent writes a fixed-size event record to an external client's
// event socket and reads back one status byte (spec.md §4.7).
func WriteEvent(fd int, ev *Event) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, ev); err != nil {
		return fmt.Errorf("request: encode event: %w", err)
	}
	if err := writeFull(fd, buf.Bytes()); err != nil {
		return err
	}
	status := make([]byte, 1)
	return readFull(fd, status)
}

func readFull(fd int, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Read(fd, buf[off:])
		if err != nil {
			return fmt.Errorf("request: read: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("request: read: unexpected eof")
		}
		off += n
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Write(fd, buf[off:])
		if err != nil {
			return fmt.Errorf("request: write: %w", err)
		}
		off += n
	}
	return nil
}
