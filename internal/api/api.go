// Package api serves the operator's HTTP JSON interface.
//
// Every state-changing operation of the conversation, the playback queue,
// the light and the microphone lanes is reachable here. Errors are returned
// as {"error": "..."} with status 400 for malformed input, 404 for unknown
// resources and 409 for requests that conflict with the current state.
//
//	GET    /api/turns
//	GET    /api/turns/live                 WebSocket of turn snapshots
//	POST   /api/turns/accept
//	POST   /api/turns/skip
//	POST   /api/turns/{id}/decision        {"decision": "yes"|"skip"}
//	POST   /api/turns/resolve              {"upto_index": n} or {}
//	POST   /api/turns/user                 {"text": "..."}
//	POST   /api/turns/assistant            {"text": "..."}
//	GET    /api/prerecordings
//	POST   /api/prerecordings/{name}
//	POST   /api/conversation/clear
//	GET    /api/queue
//	DELETE /api/queue/{id}
//	GET    /api/light
//	POST   /api/light/{action}             enable|disable|listen|idle
//	GET    /api/microphones
//	POST   /api/microphones/{name}/mode    {"mode": "manual"|"automatic"}
//	GET    /api/cost
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/chandaliar/internal/conversation"
	"github.com/MrWong99/chandaliar/internal/light"
	"github.com/MrWong99/chandaliar/internal/listen"
	"github.com/MrWong99/chandaliar/internal/observe"
	"github.com/MrWong99/chandaliar/internal/playback"
)

// Sentinel errors mapped onto HTTP status codes by writeError.
var (
	ErrBadRequest = errors.New("bad request")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// Prerecording is a canned turn the operator can push by name.
type Prerecording struct {
	Name    string            `json:"name"`
	Role    conversation.Role `json:"role"`
	Content string            `json:"content"`
}

// Microphone is a recognition lane whose mode can be switched at runtime.
type Microphone interface {
	Name() string
	Mode() listen.Mode
	SetMode(listen.Mode)
}

// Deps are the components the API drives. Cost may be nil.
type Deps struct {
	Conversation *conversation.Orchestrator
	Queue        *playback.Queue
	Light        *light.Scheduler
	Microphones  []Microphone
	Cost         func() float64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server holds the API handlers. The system script and the prerecordings
// can be replaced at runtime.
type Server struct {
	deps    Deps
	log     *slog.Logger
	metrics *observe.Metrics

	mu            sync.RWMutex
	systemScript  string
	prerecordings map[string]Prerecording
	order         []string
}

// New returns a Server for deps.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		prerecordings: make(map[string]Prerecording),
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

// SetSystemScript sets the script seeded by /api/conversation/clear.
func (s *Server) SetSystemScript(script string) {
	s.mu.Lock()
	s.systemScript = script
	s.mu.Unlock()
}

// SetPrerecordings replaces the named prerecordings.
func (s *Server) SetPrerecordings(recs []Prerecording) {
	m := make(map[string]Prerecording, len(recs))
	order := make([]string, 0, len(recs))
	for _, r := range recs {
		if _, dup := m[r.Name]; !dup {
			order = append(order, r.Name)
		}
		m[r.Name] = r
	}
	s.mu.Lock()
	s.prerecordings, s.order = m, order
	s.mu.Unlock()
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/turns", s.handleTurns)
	mux.HandleFunc("GET /api/turns/live", s.handleLive)
	mux.HandleFunc("POST /api/turns/accept", s.handleAccept)
	mux.HandleFunc("POST /api/turns/skip", s.handleSkip)
	mux.HandleFunc("POST /api/turns/{id}/decision", s.handleDecision)
	mux.HandleFunc("POST /api/turns/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/turns/user", s.handlePush(conversation.RoleUser))
	mux.HandleFunc("POST /api/turns/assistant", s.handlePush(conversation.RoleAssistant))
	mux.HandleFunc("GET /api/prerecordings", s.handlePrerecordings)
	mux.HandleFunc("POST /api/prerecordings/{name}", s.handlePrerecording)
	mux.HandleFunc("POST /api/conversation/clear", s.handleClear)
	mux.HandleFunc("GET /api/queue", s.handleQueue)
	mux.HandleFunc("DELETE /api/queue/{id}", s.handleQueueRemove)
	mux.HandleFunc("GET /api/light", s.handleLight)
	mux.HandleFunc("POST /api/light/{action}", s.handleLightAction)
	mux.HandleFunc("GET /api/microphones", s.handleMicrophones)
	mux.HandleFunc("POST /api/microphones/{name}/mode", s.handleMicrophoneMode)
	mux.HandleFunc("GET /api/cost", s.handleCost)
}

// Handler returns a mux with the API routes behind the observe middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// ── Turns ─────────────────────────────────────────────────────────────────────

func (s *Server) handleTurns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Conversation.Turns())
}

// handleLive streams a snapshot after every conversation change until the
// client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("api: live accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	snaps, cancel := s.deps.Conversation.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "conversation closed")
				return
			}
			if err := wsjson.Write(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Conversation.Accept(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Conversation.Skip(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("turn id %q: %w", r.PathValue("id"), ErrBadRequest))
		return
	}
	var req decisionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := conversation.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	t, err := s.deps.Conversation.Decide(r.Context(), id, d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type resolveRequest struct {
	// UptoIndex, when set, prompts through that turn. Otherwise every open
	// turn is accepted first.
	UptoIndex *int `json:"upto_index"`
}

type resolveResponse struct {
	Accepted []conversation.Turn `json:"accepted"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}
	if req.UptoIndex != nil {
		if err := s.deps.Conversation.ResolveAndPrompt(r.Context(), *req.UptoIndex); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, resolveResponse{Accepted: []conversation.Turn{}})
		return
	}
	accepted := s.deps.Conversation.ResolveAll(r.Context())
	if accepted == nil {
		accepted = []conversation.Turn{}
	}
	writeJSON(w, http.StatusAccepted, resolveResponse{Accepted: accepted})
}

type pushRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePush(role conversation.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Text == "" {
			writeError(w, fmt.Errorf("text is required: %w", ErrBadRequest))
			return
		}
		writeJSON(w, http.StatusCreated, s.push(role, req.Text))
	}
}

func (s *Server) push(role conversation.Role, text string) conversation.Turn {
	switch role {
	case conversation.RoleAssistant:
		return s.deps.Conversation.PushAssistant(text)
	case conversation.RoleSystem:
		return s.deps.Conversation.InsertCompleted(conversation.RoleSystem, text, conversation.DecisionYes, "")
	default:
		return s.deps.Conversation.PushUser(text)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	script := s.systemScript
	s.mu.RUnlock()
	s.deps.Conversation.Clear(script)
	writeJSON(w, http.StatusOK, s.deps.Conversation.Turns())
}

// ── Prerecordings ─────────────────────────────────────────────────────────────

func (s *Server) handlePrerecordings(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]Prerecording, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.prerecordings[name])
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePrerecording(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s.mu.RLock()
	rec, ok := s.prerecordings[name]
	s.mu.RUnlock()
	if !ok {
		writeError(w, fmt.Errorf("prerecording %q: %w", name, ErrNotFound))
		return
	}
	writeJSON(w, http.StatusCreated, s.push(rec.Role, rec.Content))
}

// ── Queue ─────────────────────────────────────────────────────────────────────

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Items())
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Queue.RemoveID(id) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	for _, it := range s.deps.Queue.Items() {
		if it.ID == id && it.Playing {
			writeError(w, fmt.Errorf("item %s is playing: %w", id, ErrConflict))
			return
		}
	}
	writeError(w, fmt.Errorf("item %s: %w", id, ErrNotFound))
}

// ── Light ─────────────────────────────────────────────────────────────────────

func (s *Server) handleLight(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Light.State())
}

func (s *Server) handleLightAction(w http.ResponseWriter, r *http.Request) {
	l := s.deps.Light
	switch action := r.PathValue("action"); action {
	case "enable":
		l.Enable()
	case "disable":
		l.Disable()
	case "listen":
		l.Listen()
	case "idle":
		l.Idle()
	default:
		writeError(w, fmt.Errorf("light action %q: %w", action, ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, l.State())
}

// ── Microphones ───────────────────────────────────────────────────────────────

type microphoneInfo struct {
	Name string      `json:"name"`
	Mode listen.Mode `json:"mode"`
}

func (s *Server) handleMicrophones(w http.ResponseWriter, _ *http.Request) {
	out := make([]microphoneInfo, 0, len(s.deps.Microphones))
	for _, m := range s.deps.Microphones {
		out = append(out, microphoneInfo{Name: m.Name(), Mode: m.Mode()})
	}
	writeJSON(w, http.StatusOK, out)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMicrophoneMode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var mic Microphone
	for _, m := range s.deps.Microphones {
		if m.Name() == name {
			mic = m
			break
		}
	}
	if mic == nil {
		writeError(w, fmt.Errorf("microphone %q: %w", name, ErrNotFound))
		return
	}
	var req modeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	mode, err := listen.ParseMode(req.Mode)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	mic.SetMode(mode)
	s.log.Info("api: microphone mode changed", "microphone", name, "mode", mode)
	writeJSON(w, http.StatusOK, microphoneInfo{Name: name, Mode: mode})
}

// ── Cost ──────────────────────────────────────────────────────────────────────

type costResponse struct {
	TotalUSD float64 `json:"total_usd"`
}

func (s *Server) handleCost(w http.ResponseWriter, _ *http.Request) {
	var total float64
	if s.deps.Cost != nil {
		total = s.deps.Cost()
	}
	writeJSON(w, http.StatusOK, costResponse{TotalUSD: total})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, conversation.ErrInvalidDecision):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, conversation.ErrUnknownTurn):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict),
		errors.Is(err, conversation.ErrNotHighlighted),
		errors.Is(err, conversation.ErrAlreadyDecided),
		errors.Is(err, conversation.ErrNoHighlight):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w: %w", err, ErrBadRequest)
	}
	return nil
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
