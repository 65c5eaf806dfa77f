// Package kiosk serves walk-up clients over a WebSocket.
//
// A client connects to GET /kiosk, receives the configured languages and
// then asks questions either as text or as a binary frame of 16kHz mono
// 16-bit PCM. Each ask is transcribed, prompted with the client's own history
// and answered chunk by chunk: the text of a chunk is sent as a "result"
// message followed by its synthesised audio in a "response" message. The
// client plays the audio and echoes the viseme samples back in a "speak"
// message, which pulses the light.
//
// Kiosk histories are private to a connection and never enter the operator
// conversation.
package kiosk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MrWong99/chandaliar/internal/light"
	"github.com/MrWong99/chandaliar/internal/observe"
	"github.com/MrWong99/chandaliar/internal/playback"
	"github.com/MrWong99/chandaliar/internal/segment"
	"github.com/MrWong99/chandaliar/pkg/audio"
	"github.com/MrWong99/chandaliar/pkg/provider/llm"
	"github.com/MrWong99/chandaliar/pkg/provider/stt"
	"github.com/MrWong99/chandaliar/pkg/provider/tts"
)

// Defaults applied to a zero [Config].
const (
	DefaultRecognitionTimeout = 5 * time.Second
	DefaultAsksPerMinute      = 6
	DefaultEnvelopeWindow     = 50 * time.Millisecond
)

// Message types exchanged with clients.
const (
	TypeConfig      = "config"
	TypeInit        = "init"
	TypeRecording   = "recording"
	TypeSpeak       = "speak"
	TypeLanguage    = "language"
	TypeAsk         = "ask"
	TypeTranscribed = "transcribed"
	TypeResult      = "result"
	TypeResponse    = "response"
	TypeDone        = "done"
	TypeQuiet       = "quiet"
	TypeError       = "error"
)

// recognitionFormat is the format of binary ask frames.
var recognitionFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Language is one selectable kiosk language.
type Language struct {
	// Code is the BCP-47 tag used for recognition, e.g. "de-DE".
	Code string

	// Voice is the TTS voice ID for replies.
	Voice string

	Name   string
	Intro  string
	Record string
}

// Config tunes the kiosk.
type Config struct {
	SystemPrompt       string
	DefaultLanguage    string
	Languages          []Language
	RecognitionTimeout time.Duration
	AsksPerMinute      int

	// OriginPatterns are passed to websocket.AcceptOptions. Empty only
	// accepts same-origin clients.
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.RecognitionTimeout <= 0 {
		c.RecognitionTimeout = DefaultRecognitionTimeout
	}
	if c.AsksPerMinute <= 0 {
		c.AsksPerMinute = DefaultAsksPerMinute
	}
	if c.DefaultLanguage == "" && len(c.Languages) > 0 {
		c.DefaultLanguage = c.Languages[0].Code
	}
	return c
}

func (c Config) language(code string) (Language, bool) {
	for _, l := range c.Languages {
		if l.Code == code {
			return l, true
		}
	}
	return Language{}, false
}

// Light is the part of the light scheduler the kiosk drives.
type Light interface {
	Enable()
	Disable()
	Listen()
	Idle()
	Speak(samples []light.Sample)
}

// Prompter streams an LLM reply split into chunks.
type Prompter interface {
	Prompt(ctx context.Context, msgs []llm.Message) (segment.Stream, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server handles kiosk WebSocket connections.
type Server struct {
	cfg     Config
	stt     stt.Provider
	prompt  Prompter
	tts     tts.Provider
	light   Light
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	clients map[string]*client
}

// New returns a Server. The prompter should split replies with
// [segment.Interactive] so every chunk is speakable on its own.
func New(cfg Config, recognizer stt.Provider, p Prompter, synth tts.Provider, l Light, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		stt:     recognizer,
		prompt:  p,
		tts:     synth,
		light:   l,
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP upgrades the request and serves the client until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.log.Warn("kiosk: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := s.connect(conn)
	defer s.disconnect(c)

	if err := c.hello(ctx); err != nil {
		s.log.Debug("kiosk: hello failed", "client", c.id, "err", err)
		return
	}

	err = c.serve(ctx)
	cancel()
	c.wg.Wait()
	status := websocket.CloseStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && r.Context().Err() == nil {
		s.log.Debug("kiosk: client gone", "client", c.id, "err", err)
	}
}

func (s *Server) connect(conn *websocket.Conn) *client {
	lang, _ := s.cfg.language(s.cfg.DefaultLanguage)
	c := &client{
		id:      uuid.NewString(),
		srv:     s,
		conn:    conn,
		lang:    lang,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.AsksPerMinute)), 1),
		history: []llm.Message{{Role: llm.RoleSystem, Content: s.cfg.SystemPrompt}},
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.metrics.KioskClients.Add(context.Background(), 1)
	s.light.Enable()
	s.log.Info("kiosk: client connected", "client", c.id, "language", lang.Code)
	return c
}

func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	s.metrics.KioskClients.Add(context.Background(), -1)
	s.light.Disable()
	s.log.Info("kiosk: client disconnected", "client", c.id)
}

// message is the JSON envelope of every text frame.
type message struct {
	Type            string         `json:"type"`
	Text            string         `json:"text,omitempty"`
	Code            string         `json:"code,omitempty"`
	Language        string         `json:"language,omitempty"`
	Languages       []languageInfo `json:"languages,omitempty"`
	DefaultLanguage string         `json:"default_language,omitempty"`
	Audio           string         `json:"audio,omitempty"`
	SampleRate      int            `json:"sample_rate,omitempty"`
	Channels        int            `json:"channels,omitempty"`
	Samples         []sample       `json:"samples,omitempty"`
	Error           string         `json:"error,omitempty"`
}

type languageInfo struct {
	Value  string `json:"value"`
	Name   string `json:"name"`
	Intro  string `json:"intro,omitempty"`
	Record string `json:"record,omitempty"`
}

// sample is a viseme sample on the wire. Offset is in milliseconds.
type sample struct {
	Offset int64   `json:"offset"`
	Value  float64 `json:"value"`
}

type client struct {
	id      string
	srv     *Server
	conn    *websocket.Conn
	limiter *rate.Limiter

	// busy is set while an ask runs. Asks do not overlap per client.
	busy atomic.Bool
	wg   sync.WaitGroup

	mu      sync.Mutex
	lang    Language
	history []llm.Message
}

func (c *client) send(ctx context.Context, m message) error {
	return wsjson.Write(ctx, c.conn, m)
}

func (c *client) hello(ctx context.Context) error {
	cfg := c.srv.cfg
	langs := make([]languageInfo, 0, len(cfg.Languages))
	for _, l := range cfg.Languages {
		langs = append(langs, languageInfo{Value: l.Code, Name: l.Name, Intro: l.Intro, Record: l.Record})
	}
	if err := c.send(ctx, message{Type: TypeConfig, Languages: langs, DefaultLanguage: cfg.DefaultLanguage}); err != nil {
		return err
	}
	return c.send(ctx, message{Type: TypeInit, Language: c.language().Code})
}

func (c *client) language() Language {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lang
}

// serve reads frames until the connection fails.
func (c *client) serve(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			c.startAsk(ctx, "", data)
			continue
		}

		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			c.send(ctx, message{Type: TypeError, Error: "invalid message"})
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *client) handle(ctx context.Context, m message) {
	switch m.Type {
	case TypeRecording:
		c.srv.light.Listen()
	case TypeSpeak:
		samples := make([]light.Sample, len(m.Samples))
		for i, s := range m.Samples {
			samples[i] = light.Sample{Offset: time.Duration(s.Offset) * time.Millisecond, Value: s.Value}
		}
		c.srv.light.Speak(samples)
	case TypeLanguage:
		l, ok := c.srv.cfg.language(m.Code)
		if !ok {
			c.send(ctx, message{Type: TypeError, Error: fmt.Sprintf("unknown language %q", m.Code)})
			return
		}
		c.mu.Lock()
		c.lang = l
		c.mu.Unlock()
		c.send(ctx, message{Type: TypeInit, Language: l.Code})
	case TypeAsk:
		c.startAsk(ctx, m.Text, nil)
	default:
		c.send(ctx, message{Type: TypeError, Error: fmt.Sprintf("unknown message type %q", m.Type)})
	}
}

func (c *client) startAsk(ctx context.Context, text string, pcm []byte) {
	if !c.limiter.Allow() {
		c.send(ctx, message{Type: TypeError, Error: "too many questions, please wait"})
		return
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.send(ctx, message{Type: TypeError, Error: "still answering"})
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)
		if err := c.ask(ctx, text, pcm); err != nil && ctx.Err() == nil {
			c.srv.log.Warn("kiosk: ask failed", "client", c.id, "err", err)
			c.send(ctx, message{Type: TypeError, Error: err.Error()})
			c.srv.light.Idle()
		}
	}()
}

// ask runs one question through recognition, the LLM and TTS.
func (c *client) ask(ctx context.Context, text string, pcm []byte) error {
	s := c.srv
	lang := c.language()

	if pcm != nil {
		start := time.Now()
		var err error
		text, err = stt.TranscribeOnce(ctx, s.stt, stt.StreamConfig{
			SampleRate: recognitionFormat.SampleRate,
			Channels:   recognitionFormat.Channels,
			Language:   lang.Code,
		}, pcm, s.cfg.RecognitionTimeout)
		s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("kiosk: transcribe: %w", err)
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		s.light.Idle()
		return c.send(ctx, message{Type: TypeQuiet})
	}
	if err := c.send(ctx, message{Type: TypeTranscribed, Text: text}); err != nil {
		return err
	}

	c.mu.Lock()
	c.history = append(c.history, llm.Message{Role: llm.RoleUser, Content: text})
	msgs := append([]llm.Message(nil), c.history...)
	c.mu.Unlock()

	stream, err := s.prompt.Prompt(ctx, msgs)
	if err != nil {
		c.dropLast()
		return err
	}

	voice := tts.VoiceProfile{ID: lang.Voice, Language: lang.Code}
	var reply []string
	for chunk := range stream.Chunks() {
		reply = append(reply, chunk)
		if err := c.respond(ctx, chunk, voice); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.history = append(c.history, llm.Message{Role: llm.RoleAssistant, Content: strings.Join(reply, " ")})
	c.mu.Unlock()

	s.light.Idle()
	return c.send(ctx, message{Type: TypeDone})
}

// respond sends one reply chunk as text and then as audio.
func (c *client) respond(ctx context.Context, chunk string, voice tts.VoiceProfile) error {
	s := c.srv
	if err := c.send(ctx, message{Type: TypeResult, Text: chunk}); err != nil {
		return err
	}

	start := time.Now()
	pcm, err := tts.Synthesize(ctx, s.tts, chunk, voice)
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		// The text already reached the client, so a failed render is not
		// fatal for the ask.
		s.log.Warn("kiosk: synthesis failed", "client", c.id, "err", err)
		return nil
	}
	if len(pcm) == 0 {
		return nil
	}

	f := s.tts.Format()
	visemes := playback.Visemes(audio.Envelope(pcm, f, DefaultEnvelopeWindow))
	samples := make([]sample, len(visemes))
	for i, v := range visemes {
		samples[i] = sample{Offset: v.Offset.Milliseconds(), Value: v.Value}
	}
	return c.send(ctx, message{
		Type:       TypeResponse,
		Text:       chunk,
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Samples:    samples,
	})
}

func (c *client) dropLast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.history); n > 1 {
		c.history = c.history[:n-1]
	}
}

// ErrNoLanguages is returned by Validate when no language is configured.
var ErrNoLanguages = errors.New("kiosk: no languages configured")

// Validate checks that cfg can serve clients.
func (c Config) Validate() error {
	if len(c.Languages) == 0 {
		return ErrNoLanguages
	}
	if c.DefaultLanguage != "" {
		if _, ok := c.language(c.DefaultLanguage); !ok {
			return fmt.Errorf("kiosk: default language %q is not configured", c.DefaultLanguage)
		}
	}
	return nil
}
