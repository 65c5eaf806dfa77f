package audio

import (
	"math"
	"time"
)

// RMS returns the root-mean-square amplitude of pcm in sample units
// (0..32767). Channels are not separated.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sample(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Float32Mono down-mixes pcm to mono float32 samples in [-1, 1].
func Float32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += float32(sample(pcm, i*channels+ch)) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Level is the loudness of one analysis window.
type Level struct {
	// Offset is the start of the window from the start of the clip.
	Offset time.Duration

	// RMS is the window's root-mean-square amplitude.
	RMS float64
}

// Envelope splits pcm into windows of the given length and returns the RMS
// of each. A trailing partial window is included.
func Envelope(pcm []byte, f Format, window time.Duration) []Level {
	size := f.Bytes(window)
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	levels := make([]Level, 0, len(pcm)/size+1)
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		levels = append(levels, Level{
			Offset: f.Duration(off),
			RMS:    RMS(pcm[off:end]),
		})
	}
	return levels
}
