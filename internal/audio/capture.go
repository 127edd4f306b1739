// SPDX-License-Identifier: MIT

package audio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// CaptureConfig configures a Capture stream (§4.1's audio format contract).
type CaptureConfig struct {
	DeviceIndex  int // portaudio device index; -1 selects the host default
	SampleRate   float64
	Channels     int
	FramesPerTap int // frame size delivered per Tap callback
}

// DefaultCaptureConfig matches §4.1's default capture format.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		DeviceIndex:  -1,
		SampleRate:   16000,
		Channels:     1,
		FramesPerTap: 1600, // 100ms at 16kHz
	}
}

// LevelSample is one entry of the Audio Level Ring (§3's data model):
// the RMS amplitude of a tap window, used for the UI's level meter.
type LevelSample struct {
	RMS float32
	At  time.Time
}

// Capture owns a single portaudio input stream and fans each captured
// frame out to a settable tap function, computing an RMS level sample on
// every frame for the level ring.
type Capture struct {
	mu      sync.Mutex
	cfg     CaptureConfig
	stream  *portaudio.Stream
	tap     func(frame []float32)
	onLevel func(LevelSample)

	ringMu sync.Mutex
	ring   []LevelSample
	ringN  int
}

// NewCapture validates cfg and returns an unopened Capture. Open() must be
// called before Start().
func NewCapture(cfg CaptureConfig) (*Capture, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive")
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("audio: channels must be positive")
	}
	if cfg.FramesPerTap <= 0 {
		return nil, fmt.Errorf("audio: frames per tap must be positive")
	}
	return &Capture{cfg: cfg, ringN: 50}, nil
}

// Open initializes portaudio and opens the input stream for cfg's device.
// Format validation (§4.1, §7's InvalidAudioFormat) happens here: an
// unsupported sample rate/channel count for the selected device surfaces
// as an error instead of a later silent failure.
func (c *Capture) Open() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: portaudio init: %w", err)
	}

	var device *portaudio.DeviceInfo
	if c.cfg.DeviceIndex >= 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return fmt.Errorf("audio: enumerate devices: %w", err)
		}
		if c.cfg.DeviceIndex >= len(devices) {
			return fmt.Errorf("audio: device index %d out of range", c.cfg.DeviceIndex)
		}
		device = devices[c.cfg.DeviceIndex]
	} else {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return fmt.Errorf("audio: default input device: %w", err)
		}
		device = d
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: c.cfg.Channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      c.cfg.SampleRate,
		FramesPerBuffer: c.cfg.FramesPerTap,
	}

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		c.deliver(in)
	})
	if err != nil {
		return fmt.Errorf("audio: open stream (rate=%v channels=%d): %w", c.cfg.SampleRate, c.cfg.Channels, err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	return nil
}

// SetTap installs the frame callback (§4.1's set_tap). Safe to call while
// the stream is running; the next delivered frame uses the new tap.
func (c *Capture) SetTap(tap func(frame []float32)) {
	c.mu.Lock()
	c.tap = tap
	c.mu.Unlock()
}

// SetLevelObserver installs a callback invoked with each frame's RMS
// level, independent of the transcription tap.
func (c *Capture) SetLevelObserver(fn func(LevelSample)) {
	c.mu.Lock()
	c.onLevel = fn
	c.mu.Unlock()
}

func (c *Capture) deliver(frame []float32) {
	c.mu.Lock()
	tap := c.tap
	onLevel := c.onLevel
	c.mu.Unlock()

	sample := LevelSample{RMS: rms(frame), At: time.Now()}
	c.pushLevel(sample)

	if onLevel != nil {
		onLevel(sample)
	}
	if tap != nil {
		tap(frame)
	}
}

func (c *Capture) pushLevel(s LevelSample) {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()
	c.ring = append(c.ring, s)
	if len(c.ring) > c.ringN {
		c.ring = c.ring[len(c.ring)-c.ringN:]
	}
}

// RecentLevels returns a snapshot of the Audio Level Ring.
func (c *Capture) RecentLevels() []LevelSample {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()
	out := make([]LevelSample, len(c.ring))
	copy(out, c.ring)
	return out
}

func rms(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}

// Start begins capture. It blocks until ctx is cancelled and then stops the
// stream; a separate call to Stop halts the stream but does not make Start
// return.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("audio: capture not opened")
	}
	if err := stream.Start(); err != nil {
		return fmt.Errorf("audio: start stream: %w", err)
	}

	<-ctx.Done()
	return c.Stop()
}

// Stop idempotently stops and closes the stream.
func (c *Capture) Stop() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Stop(); err != nil {
		return fmt.Errorf("audio: stop stream: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("audio: close stream: %w", err)
	}
	return portaudio.Terminate()
}
