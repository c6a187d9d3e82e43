package watchdog

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeKiller struct {
	mu      sync.Mutex
	killed  bool
	calls   int
}

func (k *fakeKiller) KillProcessGroup() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = true
	k.calls++
	return nil
}

func (k *fakeKiller) wasKilled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.killed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewStartsUntripped(t *testing.T) {
	w := New(5*time.Second, &fakeKiller{}, testLogger())
	if w.Tripped() {
		t.Fatalf("want a fresh watchdog untripped")
	}
}

func TestRunDoesNotTripWhileStampedRegularly(t *testing.T) {
	k := &fakeKiller{}
	w := New(60*time.Millisecond, k, testLogger())
	go w.Run()
	defer w.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.Stamp()
		time.Sleep(10 * time.Millisecond)
	}
	if w.Tripped() || k.wasKilled() {
		t.Fatalf("want watchdog untripped while heartbeat stays fresh")
	}
}

func TestRunTripsAndKillsOnStaleHeartbeat(t *testing.T) {
	k := &fakeKiller{}
	w := New(20*time.Millisecond, k, testLogger())
	go w.Run()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && !w.Tripped() {
		time.Sleep(5 * time.Millisecond)
	}
	if !w.Tripped() {
		t.Fatalf("want watchdog tripped after heartbeat goes stale")
	}
	if !k.wasKilled() {
		t.Fatalf("want killer invoked when watchdog trips")
	}
}

func TestStopEndsLoopWithoutTripping(t *testing.T) {
	k := &fakeKiller{}
	w := New(5*time.Second, k, testLogger())
	go w.Run()
	w.Stop()

	time.Sleep(10 * time.Millisecond)
	if w.Tripped() || k.wasKilled() {
		t.Fatalf("want a clean Stop to never trip the watchdog")
	}
}
