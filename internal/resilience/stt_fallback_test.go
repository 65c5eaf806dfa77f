package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/chandaliar/pkg/provider/stt"
	sttmock "github.com/MrWong99/chandaliar/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(FallbackConfig{},
		Backend[stt.Provider]{Name: "deepgram", Provider: primary},
		Backend[stt.Provider]{Name: "whisper", Provider: secondary})

	handle, err := fb.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()
	if primary.Calls() != 1 {
		t.Errorf("primary called %d times, want 1", primary.Calls())
	}
	if secondary.Calls() != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.Calls())
	}
}

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErr: errors.New("dial tcp: no route to host")}
	sess := sttmock.NewSession()
	secondary := &sttmock.Provider{Session: sess}

	fb := NewSTTFallback(FallbackConfig{},
		Backend[stt.Provider]{Name: "deepgram", Provider: primary},
		Backend[stt.Provider]{Name: "whisper", Provider: secondary})

	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "de-DE"}
	handle, err := fb.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != sess {
		t.Error("expected the secondary's session")
	}
	got := secondary.StreamConfigs()
	if len(got) != 1 || got[0].Language != "de-DE" {
		t.Errorf("secondary configs = %+v, want one with language de-DE", got)
	}
	_ = handle.Close()
}

func TestSTTFallback_StartStream_AllFail(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	secondary := &sttmock.Provider{StartStreamErr: errors.New("secondary down")}

	fb := NewSTTFallback(FallbackConfig{},
		Backend[stt.Provider]{Name: "deepgram", Provider: primary},
		Backend[stt.Provider]{Name: "whisper", Provider: secondary})

	_, err := fb.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
