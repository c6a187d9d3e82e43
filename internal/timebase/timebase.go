// Package timebase implements the lock-free frame timer and transport
// position state described in spec.md §3 (Engine), §4.4, §5, §9 open
// question (a).
package timebase

import (
	"sync/atomic"
)

// TransportState mirrors the spec's minimal transport state machine.
type TransportState int32

const (
	Stopped TransportState = iota
	Rolling
)

// ValidMask marks which fields of Position are meaningful, matching
// the original's "valid = State|Position" reset value.
type ValidMask uint32

const (
	ValidState ValidMask = 1 << iota
	ValidPosition
)

// Position is the transport position snapshot a timebase client
// publishes and the engine advances.
type Position struct {
	State     TransportState
	Frame     int64
	Valid     ValidMask
	UsecsBase int64 // set once by the server; timebase client never touches this.
	FrameRate int64 // sample rate, set once by the server.
}

// FrameTimer publishes (guard1, frames, stamp, guard2) lock-free:
// writers increment guard1, update fields, then increment guard2;
// readers retry if the two guards disagree (spec.md §4.4, §5).
type FrameTimer struct {
	guard1 atomic.Uint64
	frames atomic.Int64
	stamp  atomic.Int64
	guard2 atomic.Uint64
}

// Advance publishes a new (frames, stamp) pair.
func (t *FrameTimer) Advance(frames, stampUsec int64) {
	t.guard1.Add(1)
	t.frames.Store(frames)
	t.stamp.Store(stampUsec)
	t.guard2.Add(1)
}

// Read returns the most recently published (frames, stamp), retrying
// if a writer was mid-update.
func (t *FrameTimer) Read() (frames, stampUsec int64) {
	for {
		g1 := t.guard1.Load()
		f := t.frames.Load()
		s := t.stamp.Load()
		g2 := t.guard2.Load()
		if g1 == g2 {
			return f, s
		}
	}
}

// Transport holds current/pending position, double-buffered per
// spec.md §9 open question (a): the audio thread reads Current();
// a control-path writer stages into Pending() and the post-process
// step promotes it (spec.md §4.4 "Post-process").
type Transport struct {
	current atomic.Pointer[Position]
	pending atomic.Pointer[Position]
}

// NewTransport returns a Transport initialized to Stopped, frame 0,
// valid = State|Position (spec.md §3 invariant).
func NewTransport(frameRate int64) *Transport {
	t := &Transport{}
	p := &Position{State: Stopped, Frame: 0, Valid: ValidState | ValidPosition, FrameRate: frameRate}
	t.current.Store(p)
	t.pending.Store(p)
	return t
}

// Current returns the position visible to clients during process;
// spec.md §5 "Ordering": clients see the prior cycle's values.
func (t *Transport) Current() Position { return *t.current.Load() }

// SetPending stages a new position for the next promotion.
func (t *Transport) SetPending(p Position) { t.pending.Store(&p) }

// Pending returns the staged position.
func (t *Transport) Pending() Position { return *t.pending.Load() }

// Promote copies pending into current, preserving UsecsBase/FrameRate
// which only the server sets (spec.md §4.4 "Post-process").
func (t *Transport) Promote() {
	cur := t.current.Load()
	pend := t.pending.Load()
	next := *pend
	next.UsecsBase = cur.UsecsBase
	next.FrameRate = cur.FrameRate
	t.current.Store(&next)
}

// Reset reverts transport state to Stopped/frame 0, used when the
// timebase client is removed or deactivated (spec.md §3 invariant).
func (t *Transport) Reset() {
	cur := t.current.Load()
	p := Position{State: Stopped, Frame: 0, Valid: ValidState | ValidPosition, UsecsBase: cur.UsecsBase, FrameRate: cur.FrameRate}
	t.current.Store(&p)
	t.pending.Store(&p)
}
