package driver

import (
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDriver drives a real sound card through PortAudio,
// grounded on doismellburning-samoyed's use of the same library for
// its own audio I/O. Unlike NullDriver, its Wait does not block: the
// period pacing comes from the blocking stream Read, and Read/Write
// move samples between the PortAudio stream and its interleaved
// buffers (InBuffer/OutBuffer).
type PortAudioDriver struct {
	stream      *portaudio.Stream
	in          []float32
	out         []float32
	nframes     int
	periodUsecs int64
	lastWait    time.Time
}

// NewPortAudioDriver opens a full-duplex stream with the given frame
// count per period, channel counts, and sample rate.
func NewPortAudioDriver(nframes, inChannels, outChannels int, sampleRate float64) (*PortAudioDriver, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("driver: portaudio init: %w", err)
	}
	d := &PortAudioDriver{
		nframes:     nframes,
		periodUsecs: int64(float64(nframes) / sampleRate * 1e6),
	}
	d.in = make([]float32, nframes*inChannels)
	d.out = make([]float32, nframes*outChannels)

	params, err := defaultStreamParameters(inChannels, outChannels, sampleRate, nframes)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("driver: stream parameters: %w", err)
	}
	stream, err := portaudio.OpenStream(params, d.in, d.out)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("driver: open stream: %w", err)
	}
	d.stream = stream
	return d, nil
}

func defaultStreamParameters(inChannels, outChannels int, sampleRate float64, framesPerBuffer int) (portaudio.StreamParameters, error) {
	h, err := portaudio.DefaultHostApi()
	if err != nil {
		return portaudio.StreamParameters{}, err
	}
	params := portaudio.HighLatencyParameters(h.DefaultInputDevice, h.DefaultOutputDevice)
	params.Input.Channels = inChannels
	params.Output.Channels = outChannels
	params.SampleRate = sampleRate
	params.FramesPerBuffer = framesPerBuffer
	return params, nil
}

func (d *PortAudioDriver) Start() error {
	d.lastWait = time.Now()
	return d.stream.Start()
}

func (d *PortAudioDriver) Stop() error {
	return d.stream.Stop()
}

// Wait returns at once with the period's frame count and how far past
// one period the call came since the previous Wait (or Start), in
// microseconds; it does not block until a period boundary.
func (d *PortAudioDriver) Wait() (int, int64, error) {
	target := d.lastWait.Add(time.Duration(d.periodUsecs) * time.Microsecond)
	now := time.Now()
	delayed := now.Sub(target).Microseconds()
	if delayed < 0 {
		delayed = 0
	}
	d.lastWait = now
	return d.nframes, delayed, nil
}

// Read blocks until the next period's input samples are available in
// d.in (interleaved float32).
func (d *PortAudioDriver) Read(int) error {
	return d.stream.Read()
}

// Write flushes d.out (interleaved float32) to the output device.
func (d *PortAudioDriver) Write(int) error {
	return d.stream.Write()
}

func (d *PortAudioDriver) NullCycle(int) error { return nil }

func (d *PortAudioDriver) PeriodUsecs() int64 { return d.periodUsecs }

// InBuffer exposes the interleaved input scratch buffer so the engine
// can copy samples into registered input ports after Read.
func (d *PortAudioDriver) InBuffer() []float32 { return d.in }

// OutBuffer exposes the interleaved output scratch buffer so the
// engine can copy registered output ports into it before Write.
func (d *PortAudioDriver) OutBuffer() []float32 { return d.out }

// Close stops the stream and releases PortAudio.
func (d *PortAudioDriver) Close() error {
	if err := d.stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}
