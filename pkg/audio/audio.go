// Package audio holds the PCM plumbing shared by the speech pipeline: the
// format descriptor, sample-rate and channel conversion, loudness analysis,
// and the device interfaces that the playback queue and the microphone lanes
// talk to.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// there is more than one channel.
package audio

import (
	"context"
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond is the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the frame-aligned byte count that plays for d.
func (f Format) Bytes(d time.Duration) int {
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.Channels * 2
}

// Sink is an output device. Play queues pcm behind anything already queued
// and returns without waiting for it to be heard.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Format() Format
	Play(ctx context.Context, pcm []byte) error

	// Ready reports whether the device is open and accepting audio.
	Ready() bool
}

// Source is a capture device. onAudio is invoked on the device goroutine
// with chunks in Format; it must not block.
type Source interface {
	Format() Format
	Start(ctx context.Context, onAudio func(pcm []byte)) error
	Stop() error
}
