// Package app wires all llmrtcd subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems (tool host, compiled playbooks, session registry, turn
// engine, HTTP/WebSocket listener), Run serves connections until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithToolHost, WithObserverBus, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/health"
	"github.com/llmrtc/llmrtc/internal/hooks"
	"github.com/llmrtc/llmrtc/internal/observe"
	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/internal/registry"
	"github.com/llmrtc/llmrtc/internal/resilience"
	"github.com/llmrtc/llmrtc/internal/toolhost"
	"github.com/llmrtc/llmrtc/internal/toolhost/tools/fileio"
	"github.com/llmrtc/llmrtc/internal/transcript"
	"github.com/llmrtc/llmrtc/internal/transcript/llmcorrect"
	"github.com/llmrtc/llmrtc/internal/transcript/phonetic"
	"github.com/llmrtc/llmrtc/internal/transport"
	"github.com/llmrtc/llmrtc/internal/turn"
	vadsession "github.com/llmrtc/llmrtc/internal/vad"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/provider/vision"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// These defaults apply when the corresponding config.SessionConfig field is
// left unset (zero value).
const (
	defaultSessionTTL    = 30 * time.Minute
	defaultHistoryLimit  = 50
	defaultEvictInterval = time.Minute
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM    llm.Provider
	STT    stt.Provider
	TTS    tts.Provider
	VAD    vad.Engine
	Vision vision.Provider
}

// App owns all subsystem lifetimes and orchestrates the llmrtcd turn-engine
// server: one HTTP listener accepting WebSocket signaling connections, each
// bound to a Session Registry entry and driven by a shared Turn Engine.
type App struct {
	cfg       *config.Config
	providers *Providers

	tools     *toolhost.Host
	playbooks map[string]*playbook.Playbook
	sessions  *registry.Registry
	engine    *turn.Engine
	bus       *hooks.Bus
	metrics   *observe.Metrics
	health    *health.Handler
	httpSrv   *http.Server

	// closers are called in reverse-init order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithToolHost injects a tool host instead of creating one with the
// built-in tool set.
func WithToolHost(h *toolhost.Host) Option {
	return func(a *App) { a.tools = h }
}

// WithObserverBus injects a hooks bus instead of creating a default one.
func WithObserverBus(b *hooks.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithMetrics injects a Metrics instance instead of using the package
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSessionRegistry injects a session registry instead of creating one
// from config.
func WithSessionRegistry(r *registry.Registry) Option {
	return func(a *App) { a.sessions = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry). Use
// Option functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: tool host setup, playbook
// compilation and validation, session registry construction, and turn
// engine assembly. It does not start serving connections — call Run for
// that.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.tools == nil {
		a.tools = toolhost.New()
		registerBuiltinTools(a.tools)
	}
	a.closers = append(a.closers, a.tools.Close)

	if a.bus == nil {
		a.bus = hooks.New()
	}
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.compilePlaybooks(); err != nil {
		return nil, fmt.Errorf("app: compile playbooks: %w", err)
	}

	if a.sessions == nil {
		ttl := cfg.Session.TTL
		if ttl <= 0 {
			ttl = defaultSessionTTL
		}
		histLimit := cfg.Session.HistoryLimit
		if histLimit <= 0 {
			histLimit = defaultHistoryLimit
		}
		a.sessions = registry.New(ttl, histLimit)
	}

	a.engine = &turn.Engine{
		STT:        providers.STT,
		LLM:        providers.LLM,
		TTS:        providers.TTS,
		Vision:     providers.Vision,
		Tools:      a.tools,
		Transcript: buildTranscriptPipeline(cfg, providers.LLM),
		Observer:   &observerAdapter{bus: a.bus, metrics: a.metrics},
		Cfg: turn.Config{
			Retry: resilience.RetryConfig{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
			},
			Entities: cfg.Transcript.Entities,
		},
	}

	a.health = health.New(
		health.Checker{Name: "llm", Check: requireProvider(providers.LLM != nil)},
		health.Checker{Name: "stt", Check: requireProvider(providers.STT != nil)},
		health.Checker{Name: "tts", Check: requireProvider(providers.TTS != nil)},
		health.Checker{Name: "tools", Check: toolHostHealth(a.tools)},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/session", a.handleSession)
	a.health.Register(mux)
	a.httpSrv = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}

	return a, nil
}

// buildTranscriptPipeline constructs the post-STT correction pipeline when
// the operator configured an entity vocabulary. The phonetic stage is always
// attached when entities are present; the LLM stage is attached only when
// llm_assist is enabled and an LLM provider is available.
func buildTranscriptPipeline(cfg *config.Config, llmProvider llm.Provider) transcript.Pipeline {
	if len(cfg.Transcript.Entities) == 0 {
		return nil
	}

	opts := []transcript.PipelineOption{transcript.WithPhoneticMatcher(phonetic.New())}
	if cfg.Transcript.LLMAssist && llmProvider != nil {
		opts = append(opts, transcript.WithLLMCorrector(llmcorrect.New(llmProvider)))
		if cfg.Transcript.LLMConfidenceThreshold > 0 {
			opts = append(opts, transcript.WithLLMOnLowConfidence(cfg.Transcript.LLMConfidenceThreshold))
		}
	}
	return transcript.NewPipeline(opts...)
}

// registerBuiltinTools registers the tool set shipped with llmrtcd itself.
// Registration failures are logged rather than fatal: a duplicate or
// malformed builtin should not prevent the server from starting.
func registerBuiltinTools(h *toolhost.Host) {
	sandboxDir := filepath.Join(os.TempDir(), "llmrtcd-sandbox")
	if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
		slog.Warn("builtin tools: create sandbox dir failed", "err", err)
		return
	}
	for _, t := range fileio.NewTools(sandboxDir) {
		if err := h.Register(t); err != nil {
			slog.Warn("builtin tool registration failed", "tool", t.Definition.Name, "err", err)
		}
	}
}

// requireProvider returns a health.Checker function that fails when present
// is false — used for providers the server cannot usefully run without.
func requireProvider(present bool) func(context.Context) error {
	return func(context.Context) error {
		if !present {
			return fmt.Errorf("provider not configured")
		}
		return nil
	}
}

// toolHostHealth returns a health.Checker function that fails when any
// registered tool has made at least one call and every call has errored —
// a tool that never succeeds is more likely broken than flaky.
func toolHostHealth(h *toolhost.Host) func(context.Context) error {
	return func(context.Context) error {
		for _, s := range h.Snapshot() {
			if s.CallCount > 0 && s.ErrorCount == s.CallCount {
				return fmt.Errorf("tool %q has failed all %d calls", s.Name, s.CallCount)
			}
		}
		return nil
	}
}

// ─── Playbook compilation ────────────────────────────────────────────────────

// compilePlaybooks translates every config.PlaybookConfig into a compiled,
// validated playbook.Playbook, resolving each stage's declared tool names
// against the tool host's catalogue.
func (a *App) compilePlaybooks() error {
	available := make(map[string]types.ToolDefinition)
	for _, tier := range []types.BudgetTier{types.BudgetTierFast, types.BudgetTierStandard, types.BudgetTierSlow} {
		for _, td := range a.tools.AvailableTools(tier) {
			available[td.Name] = td
		}
	}

	a.playbooks = make(map[string]*playbook.Playbook, len(a.cfg.Playbooks))
	for _, pc := range a.cfg.Playbooks {
		pb, err := compilePlaybook(pc, available)
		if err != nil {
			return fmt.Errorf("playbook %q: %w", pc.ID, err)
		}
		if err := pb.Validate(); err != nil {
			return err
		}
		a.playbooks[pc.ID] = pb
		slog.Info("compiled playbook", "id", pc.ID, "stages", len(pc.Stages), "transitions", len(pc.Transitions))
	}
	return nil
}

func compilePlaybook(pc config.PlaybookConfig, available map[string]types.ToolDefinition) (*playbook.Playbook, error) {
	globalTools, err := resolveTools(pc.GlobalTools, available)
	if err != nil {
		return nil, err
	}

	stages := make([]playbook.Stage, 0, len(pc.Stages))
	for _, sc := range pc.Stages {
		tools, err := resolveTools(sc.Tools, available)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", sc.ID, err)
		}
		stages = append(stages, playbook.Stage{
			ID:                sc.ID,
			SystemPrompt:      sc.SystemPrompt,
			Tools:             tools,
			ToolChoice:        toolChoiceFromString(sc.ToolChoice),
			TwoPhaseExecution: sc.TwoPhaseExecution,
			MaxTurns:          sc.MaxTurns,
			TimeoutMs:         sc.TimeoutMs,
		})
	}

	transitions := make([]playbook.Transition, 0, len(pc.Transitions))
	for _, tc := range pc.Transitions {
		cond, err := conditionFromConfig(tc.Condition, tc.Action.TargetStage)
		if err != nil {
			return nil, fmt.Errorf("transition %q: %w", tc.ID, err)
		}
		transitions = append(transitions, playbook.Transition{
			ID:        tc.ID,
			From:      tc.From,
			Condition: cond,
			Action: playbook.Action{
				TargetStage:           tc.Action.TargetStage,
				TransitionMessage:     tc.Action.TransitionMessage,
				TransitionMessageRole: tc.Action.TransitionMessageRole,
				ClearHistory:          tc.Action.ClearHistory,
			},
			Priority: tc.Priority,
		})
	}

	return &playbook.Playbook{
		ID:                 pc.ID,
		Stages:             stages,
		Transitions:        transitions,
		InitialStage:       pc.InitialStage,
		GlobalSystemPrompt: pc.GlobalSystemPrompt,
		GlobalTools:        globalTools,
	}, nil
}

// resolveTools looks up each declared tool name in the tool host's
// catalogue, returning an error naming the first unknown one.
func resolveTools(names []string, available map[string]types.ToolDefinition) ([]types.ToolDefinition, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]types.ToolDefinition, 0, len(names))
	for _, n := range names {
		td, ok := available[n]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", n)
		}
		out = append(out, td)
	}
	return out, nil
}

func toolChoiceFromString(s string) types.ToolChoice {
	switch s {
	case "none":
		return types.ToolChoiceNone
	case "required":
		return types.ToolChoiceRequired
	case "":
		return types.ToolChoiceAuto
	default:
		return types.ToolChoiceSpecific(s)
	}
}

// conditionFromConfig translates a YAML condition into a playbook.Condition.
// targetStage carries the owning transition's Action.TargetStage, which
// doubles as the llm_decision condition's expected target.
func conditionFromConfig(cc config.ConditionConfig, targetStage string) (playbook.Condition, error) {
	kind := playbook.ConditionKind(cc.Kind)
	switch kind {
	case playbook.ConditionKeyword, playbook.ConditionIntent, playbook.ConditionToolCall,
		playbook.ConditionToolResult, playbook.ConditionLLMDecision, playbook.ConditionMaxTurns,
		playbook.ConditionTimeout:
	default:
		return playbook.Condition{}, fmt.Errorf("unsupported condition kind %q", cc.Kind)
	}

	c := playbook.Condition{
		Kind:            kind,
		Keywords:        cc.Keywords,
		Intent:          cc.Intent,
		IntentThreshold: cc.IntentThreshold,
		ToolName:        cc.ToolName,
		Count:           cc.Count,
		Duration:        time.Duration(cc.DurationMs) * time.Millisecond,
	}
	if kind == playbook.ConditionLLMDecision {
		c.TargetStage = targetStage
	}
	return c, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session registry.
func (a *App) Sessions() *registry.Registry { return a.sessions }

// ToolHost returns the tool host.
func (a *App) ToolHost() *toolhost.Host { return a.tools }

// Playbook returns the compiled playbook with the given id, or false if no
// such playbook was configured.
func (a *App) Playbook(id string) (*playbook.Playbook, bool) {
	pb, ok := a.playbooks[id]
	return pb, ok
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP/WebSocket listener and the session eviction loop, and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	evictInterval := a.cfg.Session.EvictInterval
	if evictInterval <= 0 {
		evictInterval = defaultEvictInterval
	}
	wg.Go(func() {
		a.sessions.Run(ctx, evictInterval)
	})

	serveErr := make(chan error, 1)
	wg.Go(func() {
		slog.Info("http listener starting", "addr", a.httpSrv.Addr)
		err := a.httpSrv.ListenAndServe()
		if err != nil {
			serveErr <- err
		}
		close(serveErr)
	})

	select {
	case <-ctx.Done():
		// ctx is already done, so give the listener its own short-lived
		// grace period rather than passing ctx straight through.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http listener shutdown error", "err", err)
		}
		cancel()
	case err := <-serveErr:
		if err != nil {
			wg.Wait()
			return fmt.Errorf("app: http listener: %w", err)
		}
	}

	wg.Wait()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── observerAdapter ─────────────────────────────────────────────────────────

// observerAdapter bridges internal/turn.Observer onto the hooks.Bus and the
// metrics instruments, so every turn lifecycle notification reaches both
// without internal/turn depending on either package directly.
type observerAdapter struct {
	bus     *hooks.Bus
	metrics *observe.Metrics
}

func (o *observerAdapter) TurnBegin(sessionID string, generation uint64) {
	o.bus.Emit(hooks.Event{Kind: hooks.EventTurnBegin, SessionID: sessionID, TurnGeneration: generation})
}

func (o *observerAdapter) TurnEnd(sessionID string, generation uint64, d time.Duration) {
	o.bus.Emit(hooks.Event{Kind: hooks.EventTurnEnd, SessionID: sessionID, TurnGeneration: generation, Duration: d})
	o.metrics.RecordTurnCompleted(context.Background(), sessionID)
}

func (o *observerAdapter) ProviderDuration(sessionID, component string, d time.Duration) {
	var kind hooks.EventKind
	switch component {
	case "stt":
		kind = hooks.EventSTTDuration
		o.metrics.STTDuration.Record(context.Background(), d.Seconds())
	case "llm":
		kind = hooks.EventLLMDuration
		o.metrics.LLMDuration.Record(context.Background(), d.Seconds())
	case "tts":
		kind = hooks.EventTTSDuration
		o.metrics.TTSDuration.Record(context.Background(), d.Seconds())
	default:
		kind = hooks.EventSTTDuration
	}
	o.bus.Emit(hooks.Event{Kind: kind, SessionID: sessionID, Component: component, Duration: d})
	o.metrics.RecordProviderRequest(context.Background(), component, component, "ok")
}

func (o *observerAdapter) ToolCall(sessionID, toolName string, d time.Duration, errMsg string) {
	status := "ok"
	if errMsg != "" {
		status = "error"
	}
	o.bus.Emit(hooks.Event{Kind: hooks.EventToolCallEnd, SessionID: sessionID, ToolName: toolName, Duration: d, ErrorMessage: errMsg})
	o.metrics.RecordToolCall(context.Background(), toolName, status)
}

func (o *observerAdapter) StageChange(sessionID, from, to, reason string) {
	o.bus.Emit(hooks.Event{Kind: hooks.EventTransition, SessionID: sessionID, FromStage: from, ToStage: to, Reason: reason})
}

func (o *observerAdapter) Error(sessionID, code, message string) {
	o.bus.Emit(hooks.Event{Kind: hooks.EventError, SessionID: sessionID, ErrorCode: code, ErrorMessage: message})
	o.metrics.RecordProviderError(context.Background(), "turn", code)
}

// ─── connection handling ─────────────────────────────────────────────────────

// handleSession accepts a WebSocket upgrade, binds it to a fresh Session
// (or an existing one, on reconnect), and drives the Transport
// Multiplexer's read loop, dispatching ClientEvents to the Turn Engine.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()

	sess := a.sessions.Create()
	mux := transport.New(sess.ID, conn, nil)
	sess.Rebind(mux)

	if pbID := r.URL.Query().Get("playbook"); pbID != "" {
		if pb, ok := a.playbooks[pbID]; ok {
			sess.BindPlaybook(pb)
		}
	}

	if err := mux.SendReady(sess.ProtocolVersion, nil); err != nil {
		slog.Warn("send ready failed", "session_id", sess.ID, "err", err)
		a.sessions.Close(sess.ID)
		return
	}

	cs := &connState{}
	if a.providers.VAD != nil {
		vs, err := vadsession.NewSession(a.providers.VAD, a.vadConfig())
		if err != nil {
			slog.Warn("vad session setup failed, falling back to unfiltered audio", "session_id", sess.ID, "err", err)
		} else {
			cs.vadSession = vs
		}
	}

	a.serveConnection(ctx, sess, mux, cs)
}

// These durations tune the hysteresis layer atop whatever concrete VAD
// provider is configured; they are conservative defaults for 20ms PCM
// frames. Operators needing finer control can fork this into a
// config-driven knob later.
const (
	vadFrameDuration   = 20 * time.Millisecond
	vadMinSpeechHold   = 200 * time.Millisecond
	vadMinSilenceHold  = 500 * time.Millisecond
	vadPreRollDuration = 300 * time.Millisecond
)

func (a *App) vadConfig() vadsession.Config {
	return vadsession.Config{
		Provider: vad.Config{
			SampleRate:       16000,
			FrameSizeMs:      20,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		},
		MinSpeechDuration:  vadMinSpeechHold,
		MinSilenceDuration: vadMinSilenceHold,
		PreRollDuration:    vadPreRollDuration,
		FrameDuration:      vadFrameDuration,
	}
}

// connState carries state that must survive across dispatchClientEvent
// calls for one connection: the VAD hysteresis session (nil when no VAD
// provider is configured, in which case every audio frame is treated as a
// complete utterance) and attachments received ahead of the audio frame
// they describe.
type connState struct {
	vadSession    *vadsession.Session
	pendingAttach []types.VisionAttachment
}

// serveConnection runs mux's read loop and dispatches every decoded
// ClientEvent against sess until the connection drops. It returns once
// Inbound() closes — the caller (handleSession, or the reconnect path) is
// responsible for leaving the session in the registry for a future
// reconnect rather than closing it here.
func (a *App) serveConnection(ctx context.Context, sess *registry.Session, mux *transport.Multiplexer, cs *connState) {
	readErr := make(chan error, 1)
	go func() { readErr <- mux.RunReadLoop(ctx) }()

	for ev := range mux.Inbound() {
		a.dispatchClientEvent(ctx, sess, mux, ev, cs)
	}
	<-readErr

	if cs.vadSession != nil {
		_ = cs.vadSession.Close()
	}
}

func (a *App) dispatchClientEvent(ctx context.Context, sess *registry.Session, mux *transport.Multiplexer, ev transport.ClientEvent, cs *connState) {
	switch ev.Kind {
	case transport.ClientOffer:
		answer, err := mux.HandleOffer(ev.Signal)
		if err != nil {
			slog.Warn("handle offer failed", "session_id", sess.ID, "err", err)
			return
		}
		if err := mux.SendSignal(answer); err != nil {
			slog.Warn("send signal failed", "session_id", sess.ID, "err", err)
		}

	case transport.ClientReconnect:
		reconnected, historyRecovered, err := a.sessions.Reconnect(ev.SessionID)
		if err != nil {
			_ = mux.SendReconnectAck(false, false)
			return
		}
		reconnected.Rebind(mux)
		_ = mux.SendReconnectAck(true, historyRecovered)

	case transport.ClientAudio:
		a.handleAudioFrame(ctx, sess, mux, ev, cs)

	case transport.ClientAttachments:
		// Buffer until the utterance that accompanies them is ready; VAD-gated
		// sessions may not emit a complete utterance for several frames yet.
		cs.pendingAttach = append(cs.pendingAttach, ev.Attachments...)
	}
}

// handleAudioFrame feeds one inbound audio frame through the connection's
// VAD session (when configured) and starts a turn exactly once per
// utterance: on EdgeSpeechStart it cancels any turn currently speaking
// (barge-in), and on EdgeSpeechEnd it launches RunTurn with the buffered
// utterance. Without a VAD provider, every frame is treated as a complete,
// independent utterance — matching the simpler non-barge-in deployments.
func (a *App) handleAudioFrame(ctx context.Context, sess *registry.Session, mux *transport.Multiplexer, ev transport.ClientEvent, cs *connState) {
	if cs.vadSession == nil {
		sess.CancelActiveTurn()
		attach := ev.Attachments
		if len(cs.pendingAttach) > 0 {
			attach = append(cs.pendingAttach, attach...)
			cs.pendingAttach = nil
		}
		go a.engine.RunTurn(ctx, sess, mux, ev.Audio, attach)
		return
	}

	edge, utterance, err := cs.vadSession.ProcessFrame(ev.Audio)
	if err != nil {
		slog.Warn("vad processing failed", "session_id", sess.ID, "err", err)
		return
	}

	switch edge {
	case vadsession.EdgeSpeechStart:
		sess.CancelActiveTurn()
	case vadsession.EdgeSpeechEnd:
		attach := cs.pendingAttach
		cs.pendingAttach = nil
		go a.engine.RunTurn(ctx, sess, mux, utterance, attach)
	}
}
