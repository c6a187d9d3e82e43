// Package driver defines the hardware driver boundary the engine
// treats as opaque (spec.md §1 "Out of scope", §2 item 1) and
// provides two concrete implementations: a dependency-free NullDriver
// for tests and headless operation, and a PortAudio-backed driver for
// real hardware, grounded on doismellburning-samoyed's use of
// github.com/gordonklaus/portaudio.
package driver

import "time"

// Driver is the opaque audio hardware boundary: start/stop/wait/
// read/write/null_cycle plus a period in microseconds (spec.md §1).
type Driver interface {
	// Start begins (or resumes) hardware I/O.
	Start() error
	// Stop halts hardware I/O, used on excessive delay and on shutdown
	// (spec.md §4.4, §7).
	Stop() error
	// Wait blocks until the next period boundary and reports the frame
	// count and measured delay for this cycle, in microseconds.
	Wait() (nframes int, delayedUsecs int64, err error)
	// Read pulls the current period's input samples into the driver's
	// internal staging buffers, ahead of dispatch.
	Read(nframes int) error
	// Write pushes the current period's output samples to hardware,
	// after dispatch completes.
	Write(nframes int) error
	// NullCycle is invoked instead of Read/dispatch/Write when the
	// engine could not acquire the graph mutex (spec.md §4.4 "On
	// failure, call driver.null_cycle(nframes) and return 0").
	NullCycle(nframes int) error
	// PeriodUsecs returns the fixed hardware buffer interval.
	PeriodUsecs() int64
}

// NullDriver is a dependency-free software clock driver: it sleeps
// for one period per Wait call and never touches real hardware. Used
// by tests and by --driver=null.
type NullDriver struct {
	periodUsecs int64
	nframes     int
	lastWait    time.Time
	started     bool
}

// NewNullDriver returns a NullDriver producing nframes-frame periods
// every periodUsecs microseconds.
func NewNullDriver(nframes int, periodUsecs int64) *NullDriver {
	return &NullDriver{periodUsecs: periodUsecs, nframes: nframes}
}

func (d *NullDriver) Start() error {
	d.started = true
	d.lastWait = time.Now()
	return nil
}

func (d *NullDriver) Stop() error {
	d.started = false
	return nil
}

func (d *NullDriver) Wait() (int, int64, error) {
	target := d.lastWait.Add(time.Duration(d.periodUsecs) * time.Microsecond)
	now := time.Now()
	if target.After(now) {
		time.Sleep(target.Sub(now))
		now = time.Now()
	}
	delayed := now.Sub(target).Microseconds()
	if delayed < 0 {
		delayed = 0
	}
	d.lastWait = now
	return d.nframes, delayed, nil
}

func (d *NullDriver) Read(int) error       { return nil }
func (d *NullDriver) Write(int) error      { return nil }
func (d *NullDriver) NullCycle(int) error  { return nil }
func (d *NullDriver) PeriodUsecs() int64   { return d.periodUsecs }
