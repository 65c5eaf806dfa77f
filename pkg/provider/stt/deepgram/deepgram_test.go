package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/chandaliar/pkg/provider/stt"
)

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithModel("nova-2"), WithLanguage("en"), WithEndpointing(500*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL(stt.StreamConfig{SampleRate: 48000, Channels: 1, Keywords: []string{"Chan"}})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	want := map[string]string{
		"model":       "nova-2",
		"language":    "en",
		"sample_rate": "48000",
		"channels":    "1",
		"endpointing": "500",
		"encoding":    "linear16",
		"keyterm":     "Chan",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestBuildURL_ConfigLanguageWins(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	raw, _ := p.buildURL(stt.StreamConfig{Language: "en-GB"})
	u, _ := url.Parse(raw)
	if got := u.Query().Get("language"); got != "en-GB" {
		t.Errorf("language = %q, want en-GB", got)
	}
	if got := u.Query().Get("sample_rate"); got != "16000" {
		t.Errorf("sample_rate = %q, want 16000", got)
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		data   string
		wantOK bool
		want   stt.Transcript
	}{
		{
			name:   "final",
			data:   `{"type":"Results","is_final":true,"speech_final":true,"start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"Hallo Chan.","confidence":0.9}]}}`,
			wantOK: true,
			want: stt.Transcript{
				Text: "Hallo Chan.", IsFinal: true, SpeechFinal: true, Confidence: 0.9,
				Start: 1500 * time.Millisecond, Duration: 500 * time.Millisecond,
			},
		},
		{
			name:   "empty partial ignored",
			data:   `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`,
			wantOK: false,
		},
		{
			name:   "metadata ignored",
			data:   `{"type":"Metadata"}`,
			wantOK: false,
		},
		{
			name:   "garbage ignored",
			data:   `not json`,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseResult([]byte(tt.data))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSession_RoundTrip(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		typ, _, err := c.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hallo"}]}}`))
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Hallo Chan."}]}}`))
		// Deepgram ends the connection once it sees CloseStream.
		for {
			typ, _, err := c.Read(ctx)
			if err != nil || typ == websocket.MessageText {
				return
			}
		}
	}))
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if auth := <-gotAuth; auth != "Token secret" {
		t.Errorf("Authorization = %q, want %q", auth, "Token secret")
	}
	if err := sess.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case p := <-sess.Partials():
		if p.Text != "Hallo" {
			t.Errorf("partial = %q, want Hallo", p.Text)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for partial")
	}
	select {
	case f := <-sess.Finals():
		if f.Text != "Hallo Chan." || !f.IsFinal {
			t.Errorf("final = %+v, want Hallo Chan.", f)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for final")
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); err != stt.ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}
