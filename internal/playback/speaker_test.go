package playback_test

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/chandaliar/internal/playback"
	"github.com/MrWong99/chandaliar/pkg/audio"
	audiomock "github.com/MrWong99/chandaliar/pkg/audio/mock"
	"github.com/MrWong99/chandaliar/pkg/provider/tts"
	ttsmock "github.com/MrWong99/chandaliar/pkg/provider/tts/mock"
)

// tone returns d of constant-amplitude 16-bit mono PCM at rate.
func tone(rate int, d time.Duration, amp int16) []byte {
	n := int(int64(rate) * int64(d) / int64(time.Second))
	pcm := make([]byte, 2*n)
	for i := range n {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(v))
	}
	return pcm
}

func TestSpeaker_Speak(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	p := &ttsmock.Provider{Fmt: f, SynthesizeChunks: [][]byte{tone(16000, time.Second, 8000)}}
	sink := &audiomock.Sink{Fmt: f}
	s := playback.NewSpeaker(p, sink, tts.VoiceProfile{ID: "lumi"})

	res, err := s.Speak(context.Background(), "Hallo", 1.2)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if res.Duration != 250*time.Millisecond {
		t.Errorf("Duration = %v, want 250ms", res.Duration)
	}
	if len(res.Samples) != 20 {
		t.Fatalf("got %d samples, want 20", len(res.Samples))
	}
	for i, smp := range res.Samples {
		if smp.Offset != time.Duration(i)*50*time.Millisecond || smp.Value != playback.MaxViseme {
			t.Errorf("sample %d = %+v", i, smp)
		}
	}

	played := sink.Played()
	if len(played) != 1 || len(played[0]) != 32000 {
		t.Errorf("sink got %d buffers", len(played))
	}
	calls := p.Calls()
	if len(calls) != 1 || calls[0].Voice.ID != "lumi" || calls[0].Voice.SpeedFactor != 1.2 {
		t.Errorf("unexpected tts calls %+v", calls)
	}
}

func TestSpeaker_SuffixClampsAtZero(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	p := &ttsmock.Provider{Fmt: f, SynthesizeChunks: [][]byte{tone(16000, 500*time.Millisecond, 100)}}
	s := playback.NewSpeaker(p, &audiomock.Sink{Fmt: f}, tts.VoiceProfile{})

	res, err := s.Speak(context.Background(), "kurz", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Duration != 0 {
		t.Errorf("Duration = %v, want 0", res.Duration)
	}
	if res.Samples[0].Value != 0 {
		t.Errorf("quiet audio mapped to %v", res.Samples[0].Value)
	}
}

func TestSpeaker_ConvertsToSinkFormat(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{
		Fmt:              audio.Format{SampleRate: 16000, Channels: 1},
		SynthesizeChunks: [][]byte{tone(16000, time.Second, 1000)},
	}
	sink := &audiomock.Sink{Fmt: audio.Format{SampleRate: 16000, Channels: 2}}
	s := playback.NewSpeaker(p, sink, tts.VoiceProfile{}, playback.WithSpeakSuffix(0))

	res, err := s.Speak(context.Background(), "x", 1)
	if err != nil {
		t.Fatal(err)
	}
	if got := sink.Played()[0]; len(got) != 64000 {
		t.Errorf("stereo buffer is %d bytes, want 64000", len(got))
	}
	if res.Duration != time.Second {
		t.Errorf("Duration = %v, want 1s", res.Duration)
	}
}

func TestSpeaker_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	s := playback.NewSpeaker(&ttsmock.Provider{SynthesizeErr: boom}, &audiomock.Sink{}, tts.VoiceProfile{})
	if _, err := s.Speak(context.Background(), "x", 1); !errors.Is(err, boom) {
		t.Errorf("tts error: got %v", err)
	}

	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{tone(16000, 100*time.Millisecond, 1000)}}
	s = playback.NewSpeaker(p, &audiomock.Sink{Fmt: audio.Format{SampleRate: 16000, Channels: 1}, PlayErr: boom}, tts.VoiceProfile{})
	if _, err := s.Speak(context.Background(), "x", 1); !errors.Is(err, boom) {
		t.Errorf("sink error: got %v", err)
	}
}

func TestSpeaker_EmptyAudio(t *testing.T) {
	t.Parallel()
	sink := &audiomock.Sink{}
	s := playback.NewSpeaker(&ttsmock.Provider{SynthesizeChunks: [][]byte{}}, sink, tts.VoiceProfile{})
	res, err := s.Speak(context.Background(), "x", 1)
	if err != nil || res.Duration != 0 || len(sink.Played()) != 0 {
		t.Errorf("got %+v, %v, %d buffers", res, err, len(sink.Played()))
	}
}

func TestSpeaker_ReadyFollowsSink(t *testing.T) {
	t.Parallel()
	sink := &audiomock.Sink{}
	s := playback.NewSpeaker(&ttsmock.Provider{}, sink, tts.VoiceProfile{})
	if !s.Ready() {
		t.Error("not ready")
	}
	sink.SetReady(false)
	if s.Ready() {
		t.Error("ready with unready sink")
	}
}
