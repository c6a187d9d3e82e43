package engine

import (
	"errors"
	"time"

	"github.com/audiograph/audiographd/internal/client"
	"github.com/audiograph/audiographd/internal/fifo"
	"github.com/audiograph/audiographd/internal/request"
	"github.com/audiograph/audiographd/internal/watchdog"
	"golang.org/x/sys/unix"
)

// maxConsecutiveXruns aborts the audio thread once exceeded (spec.md
// §4.4 "Ten consecutive such delays abort the audio thread").
const maxConsecutiveXruns = 10

// cpuLoadWindow is the rolling window of recent cycle durations used
// to derive spare_usecs (spec.md §4.4 "Update rolling CPU-load
// stats"), matching the original's window size (see SPEC_FULL.md
// "CPU-load smoothing constants").
const cpuLoadWindow = 32

// AbortError is returned by RunCycle after maxConsecutiveXruns
// consecutive excessive-delay cycles (spec.md §7 "Driver failure").
type AbortError struct{ Reason string }

func (e *AbortError) Error() string { return "engine: audio thread aborted: " + e.Reason }

// SetWatchdog attaches the watchdog whose heartbeat RunCycle stamps
// every cycle (spec.md §4.4 "Stamp watchdog heartbeat").
func (e *Engine) SetWatchdog(w *watchdog.Watchdog) { e.wd = w }

// RunCycle executes one audio cycle (spec.md §4.4). It returns nil on
// a normal or skipped cycle, and an *AbortError after
// maxConsecutiveXruns excessive delays in a row, when the audio thread
// must stop.
func (e *Engine) RunCycle(nframes int, delayedUsecs int64) error {
	start := time.Now()
	if e.wd != nil {
		e.wd.Stamp()
	}

	periodUsecs := e.drv.PeriodUsecs()
	spare := e.spareUsecs(periodUsecs)
	if e.cfg.Realtime && delayedUsecs > spare {
		return e.handleExcessiveDelay(nframes)
	}
	e.consecutiveXruns = 0

	frames, _ := e.frameTimer.Read()
	e.frameTimer.Advance(frames+int64(nframes), nowUsec())

	if !e.TryLock() {
		_ = e.drv.NullCycle(nframes)
		return nil
	}
	defer e.Unlock()

	if err := e.drv.Read(nframes); err != nil {
		e.logger.Error("driver read failed", "error", err)
		return nil
	}

	sorted := e.sorter.Sorted()
	for _, c := range sorted {
		c.CycleState = client.NotTriggered
		c.NFrames = nframes
		c.TimedOut = 0
	}

	processErr := e.dispatchSorted(sorted, nframes)

	restart := false
	if processErr {
		_ = e.drv.Stop()
		restart = true
	} else if err := e.drv.Write(nframes); err != nil {
		e.logger.Error("driver write failed", "error", err)
	}

	e.postProcess(sorted)

	if restart {
		if err := e.drv.Start(); err != nil {
			e.logger.Error("driver restart failed", "error", err)
		}
	}

	e.recordCycleDuration(time.Since(start), periodUsecs)
	return nil
}

func nowUsec() int64 { return time.Now().UnixNano() / 1000 }

func (e *Engine) handleExcessiveDelay(nframes int) error {
	e.consecutiveXruns++
	e.xrunTotal.Add(1)
	if e.xrunLimiter.Allow() {
		e.logger.Warn("excessive cycle delay, xrun", "consecutive", e.consecutiveXruns)
	}
	_ = e.drv.Stop()
	e.Lock()
	e.notifyAllLocked(request.Event{Kind: request.EventXRun})
	e.Unlock()
	_ = e.drv.Start()
	if e.consecutiveXruns >= maxConsecutiveXruns {
		return &AbortError{Reason: "ten consecutive excessive delays"}
	}
	return nil
}

// dispatchSorted walks the execution order, running Internal/Driver
// callbacks inline and delegating External runs to their subgraph
// FIFO (spec.md §4.4 "Process clients in sorted order"). It returns
// true if a process callback failed and the driver should be stopped.
func (e *Engine) dispatchSorted(sorted []*client.Client, nframes int) bool {
	i := 0
	for i < len(sorted) {
		c := sorted[i]
		if !c.Active || c.Dead {
			i++
			continue
		}
		switch c.Kind {
		case client.Internal, client.Driver:
			e.mixClientInputs(c)
			if c.Dispatch.Process != nil {
				c.CycleState = client.Running
				if err := c.Dispatch.Process(nframes); err != nil {
					c.ErrorCount++
					return true
				}
			}
			c.CycleState = client.Finished
			c.FinishedAt = nowUsec()
			i++
		case client.External:
			e.runExternalSubgraph(sorted, &i, nframes)
		default:
			i++
		}
	}
	return false
}

// runExternalSubgraph triggers the subgraph starting at sorted[*i] and
// waits on its trailing FIFO, then advances *i past every External
// client in the run (spec.md §4.4 "External client").
func (e *Engine) runExternalSubgraph(sorted []*client.Client, i *int, nframes int) {
	start := sorted[*i]
	start.CycleState = client.Triggered
	start.SignalledAt = nowUsec()
	start.AwakeAt = 0
	start.FinishedAt = 0

	for j := *i; j < len(sorted) && sorted[j].Kind == client.External; j++ {
		e.mixClientInputs(sorted[j])
	}

	timeoutMsec := e.cfg.ClientTimeoutMsec
	if e.cfg.Realtime {
		timeoutMsec = int(e.drv.PeriodUsecs() / 1000)
	}

	if err := signalFD(start.Dispatch.SubgraphStartFD); err != nil {
		start.ErrorCount += client.ErrorWithSockets
	} else if err := waitFD(start.Dispatch.SubgraphWaitFD, timeoutMsec); err != nil {
		start.ErrorCount++
		if start.AwakeAt > 0 {
			start.TimedOut++
		}
	} else {
		start.AwakeAt = nowUsec()
		start.CycleState = client.Finished
		start.FinishedAt = nowUsec()
	}

	*i++
	for *i < len(sorted) && sorted[*i].Kind == client.External {
		*i++
	}
}

func (e *Engine) spareUsecs(periodUsecs int64) int64 {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	if len(e.cycleDurations) == 0 {
		return periodUsecs
	}
	var max time.Duration
	for _, d := range e.cycleDurations {
		if d > max {
			max = d
		}
	}
	spare := periodUsecs - max.Microseconds()
	if spare < 0 {
		spare = 0
	}
	return spare
}

// recordCycleDuration appends to the rolling window and recomputes
// cpu_load with the half-life smoother (spec.md §4.4).
func (e *Engine) recordCycleDuration(d time.Duration, periodUsecs int64) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	e.cycleDurations = append(e.cycleDurations, d)
	if len(e.cycleDurations) > cpuLoadWindow {
		e.cycleDurations = e.cycleDurations[1:]
	}
	var max time.Duration
	for _, v := range e.cycleDurations {
		if v > max {
			max = v
		}
	}
	spare := float64(periodUsecs) - float64(max.Microseconds())
	if spare < 0 {
		spare = 0
	}
	pct := (1 - spare/float64(periodUsecs)) * 50
	e.cpuLoad = pct + e.cpuLoad*0.5
}

// postProcess promotes pending transport time, escalates repeatedly
// timed-out external clients, and zombifies (the audio thread never
// calls removeClient directly, since that tears down ports and
// resorts the graph — both graph-control-thread-only operations
// under spec.md §4.6; zombify just stops further dispatch and event
// delivery, and the control thread reaps it on its next pass).
func (e *Engine) postProcess(sorted []*client.Client) {
	e.transport.Promote()

	for _, c := range sorted {
		if c.Kind == client.External && c.CycleState == client.Triggered && c.FinishedAt == 0 {
			c.TimedOut++
			if c.TimedOut > errorThreshold {
				c.ErrorCount++
			}
		}
		if c.ErrorCount > 0 && !c.Dead {
			if zerr := e.clients.Zombify(c.ID); zerr != nil {
				e.logger.Error("zombify failed", "client", c.ID, "error", zerr)
			}
		}
	}
}

// mixClientInputs runs c's port type's mixdown function for every
// input port of c fed by more than one live connection, combining
// every source buffer into the port's own mixdown buffer before c runs
// (spec.md §3 "Mixdown function", §4.1 "dest already has >=1
// connection"). A port with zero or one connection already carries
// the right samples via direct buffer aliasing and needs no mixing.
func (e *Engine) mixClientInputs(c *client.Client) {
	for _, pid := range c.Ports {
		d, err := e.ports.Get(pid)
		if err != nil || !d.Flags.IsInput() {
			continue
		}
		n, err := e.ports.NumConnections(pid)
		if err != nil || n < 2 {
			continue
		}
		pt, ok := e.types.ByID(d.TypeID)
		if !ok || pt.Mix == nil {
			continue
		}
		peers, err := e.ports.Connections(pid)
		if err != nil {
			continue
		}
		sources := make([][]float32, 0, len(peers))
		for _, peerID := range peers {
			pd, err := e.ports.Get(peerID)
			if err != nil {
				continue
			}
			sources = append(sources, pt.SampleFloats(pd.Buffer))
		}
		pt.Mix(pt.SampleFloats(d.Buffer), sources)
	}
}

// errorThreshold is how many consecutive timeouts before a client
// escalates from timed_out to error (spec.md §4.4, §7).
const errorThreshold = 2

// ReapZombies removes every zombified client from the graph, run by
// the control thread after the audio thread has had a chance to
// observe each one silent for a cycle (spec.md §4.6 "Two-stage
// removal"). It must not be called from the audio thread.
func (e *Engine) ReapZombies() {
	var dead []int64
	e.Lock()
	for _, c := range e.clients.All() {
		if c.Dead {
			dead = append(dead, c.ID)
		}
	}
	e.Unlock()
	for _, id := range dead {
		if err := e.removeClient(id); err != nil {
			e.logger.Error("reap zombie failed", "client", id, "error", err)
		}
	}
}

// signalFD writes one wakeup byte to a subgraph-start FIFO fd.
func signalFD(fd int) error {
	var b [1]byte
	n, err := unix.Write(fd, b[:])
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.New("engine: short fifo write")
	}
	return nil
}

// waitFD polls a subgraph-wait FIFO fd for its wakeup byte, with a
// timeout in milliseconds (spec.md §4.4 "wait on the delimiting
// FIFO").
func waitFD(fd int, timeoutMsec int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, timeoutMsec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return fifo.ErrTimeout
		}
		break
	}
	var b [1]byte
	n, err := unix.Read(fd, b[:])
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.New("engine: short fifo read")
	}
	return nil
}
