package request

import "testing"

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	r := &Record{Kind: KindConnectPorts, ClientID: 42, Status: 0, Flags: PortFlags(3), NConns: 2}
	r.SetSourceName("synth:out_1")
	r.SetDestName("mixer:in_1")

	buf, err := Encode(r)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(buf) != RecordSize {
		t.Fatalf("want encoded length %d, got %d", RecordSize, len(buf))
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindConnectPorts || got.ClientID != 42 || got.NConns != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.GetSourceName() != "synth:out_1" {
		t.Fatalf("want source name synth:out_1, got %q", got.GetSourceName())
	}
	if got.GetDestName() != "mixer:in_1" {
		t.Fatalf("want dest name mixer:in_1, got %q", got.GetDestName())
	}
}

func TestGetNameTrimsTrailingZeroes(t *testing.T) {
	r := &Record{}
	r.SetPortName("short")
	if got := r.GetPortName(); got != "short" {
		t.Fatalf("want trimmed name %q, got %q", "short", got)
	}
}

func TestConnectRequestNameRoundTrip(t *testing.T) {
	req := &ConnectRequest{Load: true, IsExternal: true}
	req.SetName("external-synth")
	if got := req.GetName(); got != "external-synth" {
		t.Fatalf("want %q, got %q", "external-synth", got)
	}
}

func TestConnectResultFieldSetters(t *testing.T) {
	res := &ConnectResult{ProtocolVersion: 1, ClientID: 7}
	res.SetClientShmName("client-shm-1")
	res.SetControlShmName("control-shm-1")
	res.SetFifoPrefix("/tmp/audiographd/jack-ack-fifo-100")

	if res.ProtocolVersion != 1 || res.ClientID != 7 {
		t.Fatalf("want scalar fields preserved, got %+v", res)
	}
	if getName(res.ClientShmName) != "client-shm-1" {
		t.Fatalf("want client shm name set, got %q", getName(res.ClientShmName))
	}
	if getName(res.ControlShmName) != "control-shm-1" {
		t.Fatalf("want control shm name set, got %q", getName(res.ControlShmName))
	}
	if getName(res.FifoPrefix) != "/tmp/audiographd/jack-ack-fifo-100" {
		t.Fatalf("want fifo prefix set, got %q", getName(res.FifoPrefix))
	}
}

func TestPortTypeDescriptorSetters(t *testing.T) {
	d := &PortTypeDescriptor{BufferSize: 4096}
	d.SetName("32 bit float mono audio")
	d.SetRegionName("porttype-mono-abc123")
	if d.BufferSize != 4096 {
		t.Fatalf("want buffer size preserved, got %d", d.BufferSize)
	}
}
