package engine

import (
	"testing"

	"github.com/audiograph/audiographd/internal/client"
	"github.com/audiograph/audiographd/internal/request"
)

func mustCreateClient(t *testing.T, eng *Engine, name string) *client.Client {
	t.Helper()
	c, err := eng.CreateClient(name, client.Internal, nil)
	if err != nil {
		t.Fatalf("CreateClient(%q): %v", name, err)
	}
	return c
}

func mustRegisterPort(t *testing.T, eng *Engine, clientID int64, name string, flags request.PortFlags) {
	t.Helper()
	status, err := eng.RegisterPort(clientID, name, "32 bit float mono audio", flags)
	if status != 0 || err != nil {
		t.Fatalf("RegisterPort(%q): status=%d err=%v", name, status, err)
	}
}

func TestRegisterPortUnknownTypeFails(t *testing.T) {
	eng := newTestEngine(t)
	c := mustCreateClient(t, eng, "synth")
	if _, err := eng.RegisterPort(c.ID, "synth:out_1", "no such type", 0); err == nil {
		t.Fatalf("want error registering a port of an unknown type")
	}
}

func TestConnectAndDisconnectPortsUpdatesGraph(t *testing.T) {
	eng := newTestEngine(t)
	src := mustCreateClient(t, eng, "synth")
	dst := mustCreateClient(t, eng, "mixer")
	mustRegisterPort(t, eng, src.ID, "synth:out_1", 2) // FlagOutput
	mustRegisterPort(t, eng, dst.ID, "mixer:in_1", 1)  // FlagInput

	if status := eng.ConnectPorts("synth:out_1", "mixer:in_1"); status != 0 {
		t.Fatalf("want connect status 0, got %d", status)
	}
	names, status := eng.GetPortConnections("synth:out_1")
	if status != 0 || len(names) != 1 || names[0] != "mixer:in_1" {
		t.Fatalf("want one connection to mixer:in_1, got %+v status=%d", names, status)
	}
	n, status := eng.GetPortNConnections("mixer:in_1")
	if status != 0 || n != 1 {
		t.Fatalf("want 1 connection, got n=%d status=%d", n, status)
	}

	if status := eng.DisconnectPorts("synth:out_1", "mixer:in_1"); status != 0 {
		t.Fatalf("want disconnect status 0, got %d", status)
	}
	n, status = eng.GetPortNConnections("mixer:in_1")
	if status != 0 || n != 0 {
		t.Fatalf("want 0 connections after disconnect, got n=%d status=%d", n, status)
	}
}

func TestDisconnectPortRemovesAllConnections(t *testing.T) {
	eng := newTestEngine(t)
	src := mustCreateClient(t, eng, "synth")
	dst1 := mustCreateClient(t, eng, "mixer1")
	dst2 := mustCreateClient(t, eng, "mixer2")
	mustRegisterPort(t, eng, src.ID, "synth:out_1", 2)
	mustRegisterPort(t, eng, dst1.ID, "mixer1:in_1", 1)
	mustRegisterPort(t, eng, dst2.ID, "mixer2:in_1", 1)

	if status := eng.ConnectPorts("synth:out_1", "mixer1:in_1"); status != 0 {
		t.Fatalf("connect 1: status %d", status)
	}
	if status := eng.ConnectPorts("synth:out_1", "mixer2:in_1"); status != 0 {
		t.Fatalf("connect 2: status %d", status)
	}
	if status := eng.DisconnectPort("synth:out_1"); status != 0 {
		t.Fatalf("want disconnect-all status 0, got %d", status)
	}
	n, _ := eng.GetPortNConnections("synth:out_1")
	if n != 0 {
		t.Fatalf("want 0 connections left on synth:out_1, got %d", n)
	}
}

func TestUnregisterPortRequiresOwnership(t *testing.T) {
	eng := newTestEngine(t)
	src := mustCreateClient(t, eng, "synth")
	other := mustCreateClient(t, eng, "other")
	mustRegisterPort(t, eng, src.ID, "synth:out_1", 2)

	if status := eng.UnregisterPort(other.ID, "synth:out_1"); status == 0 {
		t.Fatalf("want non-owner unregister to fail")
	}
	if status := eng.UnregisterPort(src.ID, "synth:out_1"); status != 0 {
		t.Fatalf("want owner unregister to succeed, got %d", status)
	}
}

func TestActivateDeactivateClient(t *testing.T) {
	eng := newTestEngine(t)
	c := mustCreateClient(t, eng, "synth")

	if status := eng.ActivateClient(c.ID); status != 0 {
		t.Fatalf("activate: want status 0, got %d", status)
	}
	if eng.ActiveClientCount() != 1 {
		t.Fatalf("want 1 active client, got %d", eng.ActiveClientCount())
	}
	if status := eng.DeactivateClient(c.ID); status != 0 {
		t.Fatalf("deactivate: want status 0, got %d", status)
	}
	if eng.ActiveClientCount() != 0 {
		t.Fatalf("want 0 active clients after deactivate, got %d", eng.ActiveClientCount())
	}
}

func TestSetTimeBaseClientUnknownFails(t *testing.T) {
	eng := newTestEngine(t)
	if status := eng.SetTimeBaseClient(9999); status == 0 {
		t.Fatalf("want SetTimeBaseClient to fail for an unknown client id")
	}
}

func TestLoadCreatesExternalClientAndDescribesPortTypes(t *testing.T) {
	eng := newTestEngine(t)
	id, res, descs, err := eng.Load("external-synth", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id == 0 || res.ClientID != id {
		t.Fatalf("want non-zero client id echoed in result, got id=%d res.ClientID=%d", id, res.ClientID)
	}
	var want request.PortTypeDescriptor
	want.SetName("32 bit float mono audio")
	if len(descs) != 1 || descs[0].Name != want.Name {
		t.Fatalf("want one port type descriptor for the mono type, got %+v", descs)
	}
}

func TestUnloadRemovesClient(t *testing.T) {
	eng := newTestEngine(t)
	id, _, _, err := eng.Load("external-synth", true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := eng.Unload("external-synth"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if _, err := eng.clients.Get(id); err == nil {
		t.Fatalf("want client gone after Unload")
	}
}

func TestBindEventSocketUnknownClientFails(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.BindEventSocket(9999, 3); err == nil {
		t.Fatalf("want BindEventSocket to fail for an unknown client id")
	}
}

func TestConnectAliasesAndMixesIntoDestinationBuffer(t *testing.T) {
	eng := newTestEngine(t)
	src1 := mustCreateClient(t, eng, "synth1")
	src2 := mustCreateClient(t, eng, "synth2")
	dst := mustCreateClient(t, eng, "mixer")
	mustRegisterPort(t, eng, src1.ID, "synth1:out_1", 2) // FlagOutput
	mustRegisterPort(t, eng, src2.ID, "synth2:out_1", 2)
	mustRegisterPort(t, eng, dst.ID, "mixer:in_1", 1) // FlagInput

	if status := eng.ConnectPorts("synth1:out_1", "mixer:in_1"); status != 0 {
		t.Fatalf("connect 1: status %d", status)
	}
	srcID, _ := eng.ports.Find("synth1:out_1")
	dstID, _ := eng.ports.Find("mixer:in_1")
	sd, _ := eng.ports.Get(srcID)
	dd, _ := eng.ports.Get(dstID)
	if dd.Buffer != sd.Buffer {
		t.Fatalf("want sole connection to alias the source buffer, got dst=%+v src=%+v", dd.Buffer, sd.Buffer)
	}

	if status := eng.ConnectPorts("synth2:out_1", "mixer:in_1"); status != 0 {
		t.Fatalf("connect 2: status %d", status)
	}
	dd, _ = eng.ports.Get(dstID)
	src2ID, _ := eng.ports.Find("synth2:out_1")
	sd2, _ := eng.ports.Get(src2ID)
	if dd.Buffer == sd.Buffer || dd.Buffer == sd2.Buffer {
		t.Fatalf("want dst to own a private mixdown buffer once fanned in, got %+v", dd.Buffer)
	}

	if status := eng.DisconnectPorts("synth1:out_1", "mixer:in_1"); status != 0 {
		t.Fatalf("disconnect 1: status %d", status)
	}
	if status := eng.DisconnectPorts("synth2:out_1", "mixer:in_1"); status != 0 {
		t.Fatalf("disconnect 2: status %d", status)
	}
	dd, _ = eng.ports.Get(dstID)
	if dd.Buffer != eng.silentBuffer {
		t.Fatalf("want dst repointed to the process-wide silent buffer once fully disconnected, got %+v", dd.Buffer)
	}
}

func TestChangeBufferSizePreservesConnectionAndRebasesOffsets(t *testing.T) {
	eng := newTestEngine(t)
	src := mustCreateClient(t, eng, "synth")
	dst := mustCreateClient(t, eng, "mixer")
	mustRegisterPort(t, eng, src.ID, "synth:out_1", 2)
	mustRegisterPort(t, eng, dst.ID, "mixer:in_1", 1)
	if status := eng.ConnectPorts("synth:out_1", "mixer:in_1"); status != 0 {
		t.Fatalf("connect: status %d", status)
	}

	srcID, _ := eng.ports.Find("synth:out_1")
	dstID, _ := eng.ports.Find("mixer:in_1")
	before, _ := eng.ports.Get(srcID)

	newSize := eng.cfg.PeriodFrames * 4 * 2
	if status := eng.ChangeBufferSize("32 bit float mono audio", newSize); status != 0 {
		t.Fatalf("want ChangeBufferSize status 0, got %d", status)
	}

	after, err := eng.ports.Get(srcID)
	if err != nil {
		t.Fatalf("get src after resize: %v", err)
	}
	if after.Buffer.RegionName != before.Buffer.RegionName {
		t.Fatalf("want region name unchanged across resize, got %q -> %q", before.Buffer.RegionName, after.Buffer.RegionName)
	}
	n, status := eng.GetPortNConnections("mixer:in_1")
	if status != 0 || n != 1 {
		t.Fatalf("want connection to survive a buffer-size change, got n=%d status=%d", n, status)
	}
	dd, _ := eng.ports.Get(dstID)
	if dd.Buffer != after.Buffer {
		t.Fatalf("want dst still aliasing src's rebased buffer, got dst=%+v src=%+v", dd.Buffer, after.Buffer)
	}
}

func TestNotifyReorderFiresAfterUnregisterAndDeactivate(t *testing.T) {
	eng := newTestEngine(t)
	producer := mustCreateClient(t, eng, "producer")
	consumer := mustCreateClient(t, eng, "consumer")
	mustRegisterPort(t, eng, producer.ID, "producer:out_1", 2)
	mustRegisterPort(t, eng, consumer.ID, "consumer:in_1", 1)
	if status := eng.ActivateClient(producer.ID); status != 0 {
		t.Fatalf("activate producer: %d", status)
	}
	if status := eng.ActivateClient(consumer.ID); status != 0 {
		t.Fatalf("activate consumer: %d", status)
	}
	if status := eng.ConnectPorts("producer:out_1", "consumer:in_1"); status != 0 {
		t.Fatalf("connect: status %d", status)
	}

	var reorders int
	eng.RegisterInternalEventHandler(consumer.ID, func(ev request.Event) int {
		if ev.Kind == request.EventGraphReordered {
			reorders++
		}
		return 0
	})

	if status := eng.UnregisterPort(producer.ID, "producer:out_1"); status != 0 {
		t.Fatalf("unregister: status %d", status)
	}
	if reorders == 0 {
		t.Fatalf("want a GraphReordered event delivered after UnregisterPort")
	}

	reorders = 0
	if status := eng.DeactivateClient(producer.ID); status != 0 {
		t.Fatalf("deactivate: status %d", status)
	}
	if reorders == 0 {
		t.Fatalf("want a GraphReordered event delivered after DeactivateClient")
	}
}

func TestNoteTransportErrorIncrementsErrorCount(t *testing.T) {
	eng := newTestEngine(t)
	c := mustCreateClient(t, eng, "external-synth")
	eng.NoteTransportError(c.ID)

	got, err := eng.clients.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ErrorCount != client.ErrorWithSockets {
		t.Fatalf("want error count bumped by ErrorWithSockets, got %d", got.ErrorCount)
	}
}
