package whisper

import (
	"time"

	"github.com/MrWong99/chandaliar/pkg/audio"
)

// utterance accumulates microphone audio and cuts it into speech segments
// on silence. It is not safe for concurrent use.
type utterance struct {
	format    audio.Format
	threshold float64
	silence   time.Duration
	maxBytes  int

	buf       []byte
	hadSpeech bool
	quiet     time.Duration
}

func newUtterance(f audio.Format, threshold float64, silence, maxLen time.Duration) *utterance {
	return &utterance{
		format:    f,
		threshold: threshold,
		silence:   silence,
		maxBytes:  f.Bytes(maxLen),
	}
}

// push adds a chunk and returns a completed segment when the chunk ended
// one, or nil. Leading silence is discarded.
func (u *utterance) push(chunk []byte) []byte {
	if audio.RMS(chunk) < u.threshold {
		if !u.hadSpeech {
			return nil
		}
		u.buf = append(u.buf, chunk...)
		u.quiet += u.format.Duration(len(chunk))
		if u.quiet >= u.silence {
			return u.flush()
		}
		return nil
	}

	u.hadSpeech = true
	u.quiet = 0
	u.buf = append(u.buf, chunk...)
	if u.maxBytes > 0 && len(u.buf) >= u.maxBytes {
		return u.flush()
	}
	return nil
}

// flush returns the buffered segment, or nil when it holds no speech, and
// resets the state.
func (u *utterance) flush() []byte {
	out := u.buf
	if !u.hadSpeech {
		out = nil
	}
	u.buf = nil
	u.hadSpeech = false
	u.quiet = 0
	return out
}
