package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/chandaliar/pkg/audio"
	"github.com/MrWong99/chandaliar/pkg/provider/tts"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_BadOutputFormat(t *testing.T) {
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Fatal("expected error for non-PCM output format")
	}
}

func TestFormat(t *testing.T) {
	p, err := New("key", WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := audio.Format{SampleRate: 24000, Channels: 1}
	if got := p.Format(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStreamURL(t *testing.T) {
	p, _ := New("key", WithModel("eleven_multilingual_v2"))
	got := p.streamURL("voice-1")
	if !strings.HasPrefix(got, "wss://api.elevenlabs.io/v1/text-to-speech/voice-1/stream-input?") {
		t.Errorf("unexpected URL %q", got)
	}
	for _, want := range []string{"model_id=eleven_multilingual_v2", "output_format=pcm_16000"} {
		if !strings.Contains(got, want) {
			t.Errorf("URL %q missing %q", got, want)
		}
	}
}

func TestSettingsFor_Speed(t *testing.T) {
	tests := []struct {
		speed float64
		want  float64
	}{
		{0, 0},
		{1, 0},
		{1.1, 1.1},
		{2, maxSpeed},
		{0.3, minSpeed},
	}
	for _, tc := range tests {
		got := settingsFor(tts.VoiceProfile{SpeedFactor: tc.speed}).Speed
		if got != tc.want {
			t.Errorf("speed %v: got %v, want %v", tc.speed, got, tc.want)
		}
	}
}

func TestParseAudio(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	msg := `{"audio":"` + base64.StdEncoding.EncodeToString(pcm) + `","isFinal":false}`
	got, final, err := parseAudio([]byte(msg))
	if err != nil {
		t.Fatalf("parseAudio: %v", err)
	}
	if final || string(got) != string(pcm) {
		t.Errorf("got %v final=%v", got, final)
	}

	_, final, err = parseAudio([]byte(`{"audio":null,"isFinal":true}`))
	if err != nil || !final {
		t.Errorf("final message: final=%v err=%v", final, err)
	}

	if _, _, err := parseAudio([]byte(`{"error":"quota_exceeded","message":"no credits"}`)); err == nil {
		t.Error("expected error for server error message")
	}
	if _, _, err := parseAudio([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestToProfiles(t *testing.T) {
	got := toProfiles([]elevenLabsVoice{
		{VoiceID: "v1", Name: "Anna", Category: "premade", Labels: map[string]string{"language": "de"}},
		{VoiceID: "v2", Name: "Bob"},
	})
	if len(got) != 2 {
		t.Fatalf("got %d profiles, want 2", len(got))
	}
	if got[0].Language != "de" || got[0].Metadata["category"] != "premade" || got[0].Provider != "elevenlabs" {
		t.Errorf("unexpected first profile %+v", got[0])
	}
	if got[1].Metadata == nil {
		t.Error("metadata should be non-nil")
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	p, _ := New("key")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

func TestSynthesizeStream_RoundTrip(t *testing.T) {
	var (
		mu   sync.Mutex
		msgs []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			text, _ := m["text"].(string)
			mu.Lock()
			msgs = append(msgs, text)
			mu.Unlock()
			switch text {
			case " ":
			case "":
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"audio":null,"isFinal":true}`))
				return
			default:
				out, _ := json.Marshal(map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte(text)), "isFinal": false})
				_ = conn.Write(ctx, websocket.MessageText, out)
			}
		}
	}))
	defer srv.Close()

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := New("key", WithEndpoint(wsBase, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pcm, err := tts.Synthesize(ctx, p, "Hallo Welt", tts.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := string(pcm); got != "Hallo Welt " {
		t.Errorf("got audio %q, want %q", got, "Hallo Welt ")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{" ", "Hallo Welt ", ""}
	if len(msgs) != len(want) {
		t.Fatalf("server got %q, want %q", msgs, want)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d: got %q, want %q", i, msgs[i], want[i])
		}
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"v1","name":"Anna","labels":{"language":"de"}}]}`))
	}))
	defer srv.Close()

	p, _ := New("key", WithEndpoint("ws://unused", srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "v1" || voices[0].Language != "de" {
		t.Errorf("unexpected voices %+v", voices)
	}

	bad, _ := New("wrong", WithEndpoint("ws://unused", srv.URL))
	if _, err := bad.ListVoices(context.Background()); err == nil {
		t.Error("expected error on 401")
	}
}
