// Package miniaudio implements [audio.Sink] and [audio.Source] on the local
// sound card via malgo (miniaudio). It is the output used on the kiosk
// machine that drives the loudspeaker and the lamps.
package miniaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/chandaliar/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Sink   = (*Device)(nil)
	_ audio.Source = (*Capture)(nil)
)

// ErrClosed is returned by Play and Start after Close.
var ErrClosed = errors.New("miniaudio: device closed")

// Default formats match what the STT and TTS providers exchange natively.
var (
	DefaultPlaybackFormat = audio.Format{SampleRate: 24000, Channels: 1}
	DefaultCaptureFormat  = audio.Format{SampleRate: 16000, Channels: 1}
)

// Option configures a [Device].
type Option func(*Device)

// WithPlaybackFormat overrides the output format.
func WithPlaybackFormat(f audio.Format) Option {
	return func(d *Device) { d.playFmt = f }
}

// Device owns one malgo context and the playback device. Microphones are
// opened on the same context with [Device.Capture].
type Device struct {
	playFmt audio.Format

	mctx     *malgo.AllocatedContext
	playback *malgo.Device

	mu       sync.Mutex
	pending  []byte
	captures []*Capture
	closed   bool
}

// Open initialises the audio backend and starts the playback device.
func Open(opts ...Option) (*Device, error) {
	d := &Device{playFmt: DefaultPlaybackFormat}
	for _, o := range opts {
		o(d)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	d.mctx = mctx

	if err := d.initPlayback(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.playback.Start(); err != nil {
		d.Close()
		return nil, fmt.Errorf("miniaudio: start playback: %w", err)
	}
	return d, nil
}

func (d *Device) initPlayback() error {
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * d.playFmt.Channels

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(d.playFmt.SampleRate)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(d.playFmt.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(d.playFmt.SampleRate / 10) // ~100ms
	cfg.Periods = 4

	dev, err := malgo.InitDevice(d.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			need := int(frameCount) * bytesPerFrame
			d.mu.Lock()
			n := copy(out[:min(need, len(out))], d.pending)
			d.pending = d.pending[n:]
			d.mu.Unlock()
			clear(out[n:])
		},
	})
	if err != nil {
		return fmt.Errorf("miniaudio: init playback: %w", err)
	}
	d.playback = dev
	return nil
}

// Format returns the playback format.
func (d *Device) Format() audio.Format { return d.playFmt }

// Ready reports whether the playback device is running.
func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && d.playback != nil && d.playback.IsStarted()
}

// Play appends pcm to the output buffer.
func (d *Device) Play(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.pending = append(d.pending, pcm...)
	return nil
}

// CaptureDevices lists the names of the available microphones.
func (d *Device) CaptureDevices() ([]string, error) {
	infos, err := d.mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: list capture devices: %w", err)
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// Capture opens the microphone whose name contains name. An empty name
// selects the system default. The capture device is closed with d.
func (d *Device) Capture(name string, f audio.Format) (*Capture, error) {
	if f == (audio.Format{}) {
		f = DefaultCaptureFormat
	}
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * f.Channels

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = 480
	cfg.Periods = 3

	if name != "" {
		infos, err := d.mctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("miniaudio: list capture devices: %w", err)
		}
		i := slices.IndexFunc(infos, func(info malgo.DeviceInfo) bool {
			return strings.Contains(info.Name(), name)
		})
		if i < 0 {
			return nil, fmt.Errorf("miniaudio: no capture device matches %q", name)
		}
		cfg.Capture.DeviceID = infos[i].ID.Pointer()
	}

	c := &Capture{name: name, format: f}
	dev, err := malgo.InitDevice(d.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(in) < n {
				return
			}
			c.mu.Lock()
			cb := c.onAudio
			c.mu.Unlock()
			if cb != nil {
				// The driver reuses its buffer after the callback returns.
				cb(append([]byte(nil), in[:n]...))
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture %q: %w", name, err)
	}
	c.dev = dev

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		dev.Uninit()
		return nil, ErrClosed
	}
	d.captures = append(d.captures, c)
	return c, nil
}

// Close releases the playback device, every capture device and the backend
// context.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.pending = nil
	captures := d.captures
	d.captures = nil
	d.mu.Unlock()

	for _, c := range captures {
		c.close()
	}
	if d.playback != nil {
		d.playback.Uninit()
	}
	if d.mctx != nil {
		_ = d.mctx.Uninit()
		d.mctx.Free()
	}
	return nil
}

// Capture is one microphone. It implements [audio.Source].
type Capture struct {
	name   string
	format audio.Format
	dev    *malgo.Device

	mu      sync.Mutex
	onAudio func([]byte)
	closed  bool
}

// Format returns the capture format.
func (c *Capture) Format() audio.Format { return c.format }

// Start begins delivering microphone audio to onAudio.
func (c *Capture) Start(_ context.Context, onAudio func(pcm []byte)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.onAudio = onAudio
	c.mu.Unlock()

	if c.dev.IsStarted() {
		return nil
	}
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start capture %q: %w", c.name, err)
	}
	return nil
}

// Stop halts microphone delivery.
func (c *Capture) Stop() error {
	c.mu.Lock()
	c.onAudio = nil
	closed := c.closed
	c.mu.Unlock()
	if closed || !c.dev.IsStarted() {
		return nil
	}
	if err := c.dev.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop capture %q: %w", c.name, err)
	}
	return nil
}

func (c *Capture) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.onAudio = nil
	c.mu.Unlock()
	c.dev.Uninit()
}
