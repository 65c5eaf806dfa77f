// Package app wires all Chandaliar subsystems into a running installation.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the operator API, the kiosk and the microphone
// lanes until the context ends, and Shutdown tears everything down in
// reverse order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithLightSink, ...). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chandaliar/internal/api"
	"github.com/MrWong99/chandaliar/internal/config"
	"github.com/MrWong99/chandaliar/internal/conversation"
	"github.com/MrWong99/chandaliar/internal/health"
	"github.com/MrWong99/chandaliar/internal/kiosk"
	"github.com/MrWong99/chandaliar/internal/light"
	"github.com/MrWong99/chandaliar/internal/listen"
	"github.com/MrWong99/chandaliar/internal/observe"
	"github.com/MrWong99/chandaliar/internal/playback"
	"github.com/MrWong99/chandaliar/internal/prompt"
	"github.com/MrWong99/chandaliar/internal/resilience"
	"github.com/MrWong99/chandaliar/internal/segment"
	"github.com/MrWong99/chandaliar/pkg/audio"
	"github.com/MrWong99/chandaliar/pkg/audio/miniaudio"
	"github.com/MrWong99/chandaliar/pkg/provider/tts"
)

// shutdownGrace bounds how long an HTTP server may drain on shutdown.
const shutdownGrace = 5 * time.Second

// Device is the local sound card: the loudspeaker plus the microphones.
type Device interface {
	audio.Sink
	Capture(name string, f audio.Format) (audio.Source, error)
	Close() error
}

// soundcard adapts [miniaudio.Device] to [Device].
type soundcard struct{ *miniaudio.Device }

func (s soundcard) Capture(name string, f audio.Format) (audio.Source, error) {
	return s.Device.Capture(name, f)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	scrape    http.Handler

	configPath  string
	laneBackoff time.Duration

	// Subsystems, initialised in New and torn down in Shutdown.
	device     Device
	lightSink  light.Sink
	lightCBs   []*resilience.CircuitBreaker
	scheduler  *light.Scheduler
	speaker    *playback.Speaker
	queue      *playback.Queue
	prompter   *prompt.Prompter
	conv       *conversation.Orchestrator
	lanes      []*laneSupervisor
	kiosk      *kiosk.Server
	kioskLLM   *prompt.Prompter
	api        *api.Server
	health     *health.Handler
	watcher    *config.Watcher
	handler    http.Handler
	observeMux *http.ServeMux

	// closers run in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects the sound card instead of opening it with malgo.
func WithDevice(d Device) Option {
	return func(a *App) { a.device = d }
}

// WithLightSink injects the lamp sink instead of dialling the configured
// bulbs.
func WithLightSink(s light.Sink) Option {
	return func(a *App) { a.lightSink = s }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of the handler
// that was built with v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics, usually
// [observe.Telemetry.Handler]. The default is promhttp's global handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithConfigPath enables hot reloading of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLaneBackoff sets the initial delay before a stopped lane restarts.
func WithLaneBackoff(d time.Duration) Option {
	return func(a *App) { a.laneBackoff = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders]. If New fails, everything it already opened is
// closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	a.closers = append(a.closers, providers.closers...)

	if err := a.init(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Sound card ────────────────────────────────────────────────────
	if err := a.initDevice(); err != nil {
		return fmt.Errorf("app: init device: %w", err)
	}

	// ── 2. Light ─────────────────────────────────────────────────────────
	if err := a.initLight(); err != nil {
		return fmt.Errorf("app: init light: %w", err)
	}

	// ── 3. Playback ──────────────────────────────────────────────────────
	a.initPlayback()

	// ── 4. Conversation ──────────────────────────────────────────────────
	a.initConversation()

	// ── 5. Microphone lanes ──────────────────────────────────────────────
	if err := a.initLanes(); err != nil {
		return fmt.Errorf("app: init lanes: %w", err)
	}

	// ── 6. Kiosk ─────────────────────────────────────────────────────────
	if err := a.initKiosk(); err != nil {
		return fmt.Errorf("app: init kiosk: %w", err)
	}

	// ── 7. HTTP surfaces ─────────────────────────────────────────────────
	a.initHTTP()

	// ── 8. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithWatcherLogger(a.log))
		if err != nil {
			return fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	a.log.InfoContext(ctx, "application initialised",
		"lanes", len(a.lanes),
		"kiosk", a.kiosk != nil,
		"light_sinks", len(a.lightCBs),
		"prerecordings", len(a.cfg.Prerecordings),
	)
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDevice() error {
	if a.device != nil {
		return nil
	}
	dev, err := miniaudio.Open(miniaudio.WithPlaybackFormat(audio.Format{
		SampleRate: a.cfg.Playback.Device.SampleRate,
		Channels:   a.cfg.Playback.Device.Channels,
	}))
	if err != nil {
		return err
	}
	a.device = soundcard{dev}
	a.closers = append(a.closers, dev.Close)
	return nil
}

// initLight dials the configured bulbs, guards each sink with a circuit
// breaker and starts the scheduler.
func (a *App) initLight() error {
	lc := a.cfg.Light
	if a.lightSink == nil {
		var sinks light.Multi
		if lc.MQTT != nil {
			s, err := light.DialShellyMQTT(light.MQTTConfig{
				Broker:   lc.MQTT.Broker,
				ClientID: lc.MQTT.ClientID,
				Username: lc.MQTT.Username,
				Password: lc.MQTT.Password,
				Devices:  lc.MQTT.Devices,
				Timeout:  lc.MQTT.Timeout,
			})
			if err != nil {
				return err
			}
			a.closers = append(a.closers, s.Close)
			sinks = append(sinks, a.guard(s, "light/mqtt"))
		}
		if lc.HTTP != nil {
			for _, base := range lc.HTTP.BaseURLs {
				sinks = append(sinks, a.guard(light.NewShellyHTTP(base), "light/"+base))
			}
		}
		a.lightSink = sinks
	}

	a.scheduler = light.New(a.lightSink,
		light.WithConfig(lightConfig(lc)),
		light.WithLogger(a.log),
		light.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.scheduler.Close)
	return nil
}

func (a *App) guard(s light.Sink, name string) light.Sink {
	g := light.NewGuarded(s, resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  a.cfg.Light.MaxFailures,
		ResetTimeout: a.cfg.Light.ResetTimeout,
		Logger:       a.log,
	})
	a.lightCBs = append(a.lightCBs, g.Breaker())
	return g
}

// initPlayback builds the speaker and the output queue. Every render pulses
// the lamp along its timing samples.
func (a *App) initPlayback() {
	pc := a.cfg.Playback
	a.speaker = playback.NewSpeaker(a.providers.TTS, a.device, tts.VoiceProfile{
		ID:       pc.Voice,
		Provider: a.cfg.Providers.TTS.Name,
		Language: pc.Language,
	}, playback.WithSpeakSuffix(pc.SpeakSuffix))

	a.queue = playback.New(a.speaker,
		playback.WithLogger(a.log),
		playback.WithMetrics(a.metrics),
		playback.WithOnSpeak(func(_ string, r playback.Result) {
			a.scheduler.Speak(lightSamples(r.Samples))
		}),
	)
	a.closers = append(a.closers, a.queue.Close)
}

func (a *App) initConversation() {
	cc := a.cfg.Conversation
	a.prompter = prompt.New(a.providers.LLM,
		prompt.WithTemperature(cc.Temperature),
		prompt.WithMaxTokens(cc.MaxTokens),
		prompt.WithTools(lightTool(a.scheduler)),
		prompt.WithLogger(a.log),
		prompt.WithMetrics(a.metrics),
	)

	player := conversation.PlayerFunc(func(source, text string, rate float64) conversation.Ticket {
		return a.queue.Push(source, text, rate)
	})
	opts := []conversation.Option{
		conversation.WithLogger(a.log),
		conversation.WithMetrics(a.metrics),
		conversation.WithRate(a.cfg.Playback.Rate),
	}
	if cc.MaxDisplayLength > 0 {
		opts = append(opts, conversation.WithDisplayLimit(cc.MaxDisplayLength))
	}
	a.conv = conversation.New(a.prompter, player, opts...)
	a.conv.Clear(cc.SystemScript)
	a.closers = append(a.closers, a.conv.Close)
}

// initLanes opens one capture device per enabled microphone.
func (a *App) initLanes() error {
	for _, m := range a.cfg.Microphones {
		if !m.IsEnabled() {
			a.log.Info("microphone disabled", "name", m.Name)
			continue
		}
		if a.providers.STT == nil {
			return errors.New("no stt provider configured")
		}
		src, err := a.device.Capture(m.Device, audio.Format{})
		if err != nil {
			return fmt.Errorf("microphone %q: %w", m.Name, err)
		}
		lang := m.Language
		if lang == "" {
			lang = a.cfg.Playback.Language
		}
		lane := listen.NewLane(listen.Config{
			Name:         m.Name,
			Mode:         listen.Mode(m.Mode),
			Language:     lang,
			Keywords:     m.Keywords,
			GroupTimeout: m.GroupTimeout,
		}, a.providers.STT, a.conv, listen.WithLight(a.scheduler), listen.WithLogger(a.log))
		a.lanes = append(a.lanes, newLaneSupervisor(lane, src, a.laneBackoff, a.log))
	}
	return nil
}

// initKiosk builds the walk-up endpoint. It prompts the same LLM with its
// own splitter, so every chunk is speakable on its own.
func (a *App) initKiosk() error {
	kc := a.cfg.Kiosk
	if !kc.Enabled {
		return nil
	}
	if a.providers.STT == nil {
		return errors.New("no stt provider configured")
	}
	langs := make([]kiosk.Language, len(kc.Languages))
	for i, l := range kc.Languages {
		langs[i] = kiosk.Language{Code: l.Code, Voice: l.Voice, Name: l.Name, Intro: l.Intro, Record: l.Record}
	}
	kcfg := kiosk.Config{
		SystemPrompt:       kc.SystemPrompt,
		DefaultLanguage:    kc.DefaultLanguage,
		Languages:          langs,
		RecognitionTimeout: kc.RecognitionTimeout,
		AsksPerMinute:      kc.AsksPerMinute,
		OriginPatterns:     kc.OriginPatterns,
	}
	if err := kcfg.Validate(); err != nil {
		return err
	}

	a.kioskLLM = prompt.New(a.providers.LLM,
		prompt.WithMarker(segment.Interactive),
		prompt.WithTemperature(a.cfg.Conversation.Temperature),
		prompt.WithMaxTokens(a.cfg.Conversation.MaxTokens),
		prompt.WithLogger(a.log.With("component", "kiosk")),
		prompt.WithMetrics(a.metrics),
	)
	a.kiosk = kiosk.New(kcfg, a.providers.STT, a.kioskLLM, a.providers.TTS, a.scheduler,
		kiosk.WithLogger(a.log),
		kiosk.WithMetrics(a.metrics),
	)
	return nil
}

// initHTTP assembles the operator API, the kiosk endpoint, health probes and
// /metrics. Probes and metrics move to their own mux when observe_addr is
// set.
func (a *App) initHTTP() {
	mics := make([]api.Microphone, len(a.lanes))
	for i, l := range a.lanes {
		mics[i] = l
	}
	a.api = api.New(api.Deps{
		Conversation: a.conv,
		Queue:        a.queue,
		Light:        a.scheduler,
		Microphones:  mics,
		Cost:         a.totalCost,
	}, api.WithLogger(a.log), api.WithMetrics(a.metrics))
	a.api.SetSystemScript(a.cfg.Conversation.SystemScript)
	a.api.SetPrerecordings(a.prerecordings(a.cfg.Prerecordings))

	checkers := []health.Checker{
		health.BreakerCheck("llm", breakersOf(a.providers.LLM)...),
		health.ReadyCheck("synthesizer", a.speaker),
	}
	if cbs := breakersOf(a.providers.STT); len(cbs) > 0 {
		checkers = append(checkers, health.BreakerCheck("stt", cbs...))
	}
	if len(a.lightCBs) > 0 {
		lc := health.BreakerCheck("light", a.lightCBs...)
		lc.Optional = true
		checkers = append(checkers, lc)
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.api.Register(mux)
	if a.kiosk != nil {
		mux.Handle("GET /kiosk", a.kiosk)
	}
	probes := mux
	if a.cfg.Server.ObserveAddr != "" {
		a.observeMux = http.NewServeMux()
		probes = a.observeMux
	}
	a.health.Register(probes)
	probes.Handle("GET /metrics", a.scrape)

	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the main HTTP handler: the operator API, the kiosk and,
// unless observe_addr is set, the probes and /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Conversation returns the operator conversation.
func (a *App) Conversation() *conversation.Orchestrator { return a.conv }

// Light returns the lamp scheduler.
func (a *App) Light() *light.Scheduler { return a.scheduler }

func (a *App) totalCost() float64 {
	cost := a.prompter.TotalCost()
	if a.kioskLLM != nil {
		cost += a.kioskLLM.TotalCost()
	}
	return cost
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run switches the lamp on and serves until ctx is cancelled or a server
// fails. Microphone lanes are restarted whenever their recognition session
// ends.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Enable()
	defer a.scheduler.Disable()

	g, ctx := errgroup.WithContext(ctx)

	for _, l := range a.lanes {
		g.Go(func() error { return l.run(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}

	tlsCfg := a.cfg.Server.TLS
	g.Go(func() error {
		return a.serve(ctx, &http.Server{Addr: a.cfg.Server.ListenAddr, Handler: a.handler}, tlsCfg)
	})
	if a.observeMux != nil {
		g.Go(func() error {
			return a.serve(ctx, &http.Server{Addr: a.cfg.Server.ObserveAddr, Handler: a.observeMux}, nil)
		})
	}

	a.log.Info("serving", "listen_addr", a.cfg.Server.ListenAddr, "observe_addr", a.cfg.Server.ObserveAddr)
	return g.Wait()
}

// serve runs srv until ctx ends and then drains it.
func (a *App) serve(ctx context.Context, srv *http.Server, tlsCfg *config.TLSConfig) error {
	errc := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errc <- srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			a.log.Warn("http shutdown", "addr", srv.Addr, "err", err)
		}
		return nil
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfig applies the live-changeable part of a reloaded config.
func (a *App) applyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.SystemScriptChanged {
		a.api.SetSystemScript(next.Conversation.SystemScript)
		a.log.Info("config: system script changed")
	}
	if d.LightChanged {
		a.scheduler.SetConfig(lightConfig(next.Light))
		a.log.Info("config: light tuning changed")
	}
	if d.PlaybackRateChanged {
		a.conv.SetRate(next.Playback.Rate)
		a.log.Info("config: playback rate changed", "rate", next.Playback.Rate)
	}
	if d.PrerecordingsChanged {
		a.api.SetPrerecordings(a.prerecordings(next.Prerecordings))
		a.log.Info("config: prerecordings changed", "count", len(next.Prerecordings))
	}
	for name, mode := range d.MicrophoneModes {
		i := slices.IndexFunc(a.lanes, func(l *laneSupervisor) bool { return l.Name() == name })
		if i < 0 {
			continue
		}
		a.lanes[i].SetMode(listen.Mode(mode))
		a.log.Info("config: microphone mode changed", "microphone", name, "mode", mode)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config: changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// lightConfig maps the light section onto the scheduler's tuning.
func lightConfig(lc config.LightConfig) light.Config {
	return light.Config{
		IdleMin:     lc.IdleMin,
		IdleMax:     lc.IdleMax,
		IdleStep:    lc.IdleStep,
		Interval:    lc.IdleInterval,
		IdleAfter:   lc.IdleAfter,
		IdleGreen:   lc.IdleGreen,
		ListenGreen: lc.ListenGreen,
	}
}

func lightSamples(in []playback.Sample) []light.Sample {
	out := make([]light.Sample, len(in))
	for i, s := range in {
		out[i] = light.Sample(s)
	}
	return out
}

func (a *App) prerecordings(recs []config.PrerecordingConfig) []api.Prerecording {
	out := make([]api.Prerecording, 0, len(recs))
	for _, r := range recs {
		role, err := conversation.ParseRole(r.Role)
		if err != nil {
			a.log.Warn("skipping prerecording", "name", r.Name, "err", err)
			continue
		}
		out = append(out, api.Prerecording{Name: r.Name, Role: role, Content: r.Content})
	}
	return out
}

// SlogLevel converts a config log level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
