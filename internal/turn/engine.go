// Package turn implements the Turn Engine: the core per-session pipeline
// that runs one turn from admitted utterance through STT, a two-phase LLM
// pass (tool loop then reply), and streaming TTS, evaluating the Playbook
// Engine's transitions at the end.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/internal/registry"
	"github.com/llmrtc/llmrtc/internal/resilience"
	"github.com/llmrtc/llmrtc/internal/transcript"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/provider/vision"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// ToolExecutor runs a single tool call. Implemented by internal/toolhost.Host,
// which dispatches by tool name and does not validate the arguments against
// the declared schema before executing. A non-nil error is always treated as a tool-result error — it never
// aborts the turn.
type ToolExecutor interface {
	Execute(ctx context.Context, call types.ToolCall, tools []types.ToolDefinition) (resultJSON string, err error)
}

// Observer receives best-effort lifecycle notifications. internal/hooks.Bus
// satisfies this via a thin adapter in internal/app; defined narrowly here
// to avoid a direct dependency on internal/hooks from this package.
type Observer interface {
	TurnBegin(sessionID string, generation uint64)
	TurnEnd(sessionID string, generation uint64, d time.Duration)
	ProviderDuration(sessionID, component string, d time.Duration)
	ToolCall(sessionID, toolName string, d time.Duration, errMsg string)
	StageChange(sessionID, from, to, reason string)
	Error(sessionID, code, message string)
}

// nopObserver discards everything; used when no Observer is configured.
type nopObserver struct{}

func (nopObserver) TurnBegin(string, uint64)                        {}
func (nopObserver) TurnEnd(string, uint64, time.Duration)           {}
func (nopObserver) ProviderDuration(string, string, time.Duration)  {}
func (nopObserver) ToolCall(string, string, time.Duration, string)  {}
func (nopObserver) StageChange(string, string, string, string)      {}
func (nopObserver) Error(string, string, string)                    {}

// Config tunes the engine's timeouts and bounds.
type Config struct {
	SampleRate int
	Voice      tts.VoiceProfile
	// TTSFormat describes the encoding of the bytes the configured
	// tts.Provider emits. The TTS contract always streams raw PCM, so this
	// is informational for the wire's tts-chunk.format field.
	TTSFormat AudioFormat

	MaxToolIterations int

	STTTimeout         time.Duration
	LLMTimeout         time.Duration
	TTSFragmentTimeout time.Duration
	Phase1Timeout      time.Duration

	Retry resilience.RetryConfig

	// DefaultSystemPrompt and DefaultToolChoice apply when no playbook is
	// attached to the session.
	DefaultSystemPrompt string
	DefaultTools        []types.ToolDefinition

	// Entities is the domain vocabulary passed to Transcript on every turn.
	// Empty disables the correction pass even when Transcript is configured.
	Entities []string
}

func (c Config) withDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 6
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 10 * time.Second
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 30 * time.Second
	}
	if c.TTSFragmentTimeout <= 0 {
		c.TTSFragmentTimeout = 15 * time.Second
	}
	if c.Phase1Timeout <= 0 {
		c.Phase1Timeout = 60 * time.Second
	}
	if c.TTSFormat == "" {
		c.TTSFormat = FormatPCM
	}
	return c
}

// Engine runs turns against a shared set of providers. One Engine instance
// is shared across all sessions; per-turn state lives on the turnState value
// built by RunTurn.
type Engine struct {
	STT    stt.Provider
	LLM    llm.Provider
	TTS    tts.Provider
	Vision vision.Provider // optional

	Tools ToolExecutor // optional; nil disables tool execution

	// Transcript corrects STT output against the configured entity
	// vocabulary before it enters session history. Optional; nil skips
	// the correction pass entirely.
	Transcript transcript.Pipeline

	Observer Observer

	Cfg Config
}

func (e *Engine) observer() Observer {
	if e.Observer != nil {
		return e.Observer
	}
	return nopObserver{}
}

// RunTurn executes one complete turn for sess, synchronously. It returns
// once the turn has fully retired (including playbook evaluation) or been
// cancelled. Cancellation is observed cooperatively at every suspension
// point and is signalled via a ttsCancelled event (RunTurn has no return
// value). A cancelled turn keeps the user message and any completed
// tool-call groups in history but never appends a partial assistant reply.
// RunTurn touches sess when it starts and when it returns, so the idle-TTL
// clock counts from the last turn.
func (e *Engine) RunTurn(parent context.Context, sess *registry.Session, sender Sender, audioInput []byte, attachments []types.VisionAttachment) {
	cfg := e.Cfg.withDefaults()
	gen := sess.NextGeneration()

	turnCtx, cancel := context.WithCancel(parent)
	sess.BeginTurn(cancel)
	sess.Touch()
	defer sess.EndTurn()
	defer sess.Touch()
	defer cancel()

	start := time.Now()
	e.observer().TurnBegin(sess.ID, gen)
	defer func() { e.observer().TurnEnd(sess.ID, gen, time.Since(start)) }()

	t := &turnState{
		engine:  e,
		cfg:     cfg,
		sess:    sess,
		sender:  sender,
		gen:     gen,
		ctx:     turnCtx,
		results: make(map[string]any),
	}

	userMsg := types.Message{Role: "user", Attachments: attachments}

	finalText, ok := t.runSTT(audioInput)
	if !ok {
		return
	}
	userMsg.Content = t.maybeDescribeAttachments(finalText, attachments)
	sess.History.Append(userMsg)

	resolved, state, err := t.resolveStage()
	if err != nil {
		t.emitError(types.ErrPlaybook, err.Error())
		return
	}

	replyText, cancelled := t.runPhases(resolved)
	if cancelled {
		return
	}

	t.evaluatePlaybook(state, replyText)
}

// turnState carries the mutable bookkeeping for a single in-flight turn.
type turnState struct {
	engine *Engine
	cfg    Config
	sess   *registry.Session
	sender Sender
	gen    uint64
	ctx    context.Context

	toolCalls         []types.ToolCall
	results           map[string]any
	llmDecisionTarget string

	ttsStarted bool
	ttsTextCh  chan string
	ttsDone    chan struct{}
}

func (t *turnState) emit(ev Event) {
	ev.TurnGeneration = t.gen
	if err := t.sender.Send(ev); err != nil {
		slog.Debug("turn: send failed", "session_id", t.sess.ID, "kind", ev.Kind, "err", err)
	}
}

func (t *turnState) emitError(code types.ErrorCode, msg string) {
	t.engine.observer().Error(t.sess.ID, string(code), msg)
	t.emit(Event{Kind: EventError, ErrorCode: code, ErrorMessage: msg})
}

// runSTT transcribes audioInput, forwarding partials and the final
// transcript. Returns ok=false if transcription failed or was cancelled,
// in which case the turn must close with no assistant reply.
func (t *turnState) runSTT(audioInput []byte) (text string, ok bool) {
	if len(audioInput) == 0 || t.engine.STT == nil {
		return "", true
	}

	sttCtx, cancel := context.WithTimeout(t.ctx, t.cfg.STTTimeout)
	defer cancel()

	start := time.Now()
	session, err := t.engine.STT.StartStream(sttCtx, stt.StreamConfig{
		SampleRate: t.cfg.SampleRate,
		Channels:   1,
	})
	if err != nil {
		t.classifySTTErr(err)
		return "", false
	}
	defer session.Close()

	go func() {
		for p := range session.Partials() {
			t.emit(Event{Kind: EventTranscript, Text: p.Text, IsFinal: false})
		}
	}()

	if err := session.SendAudio(audioInput); err != nil {
		t.classifySTTErr(err)
		return "", false
	}

	select {
	case <-sttCtx.Done():
		t.emitError(types.ErrSTTTimeout, "speech-to-text timed out")
		return "", false
	case final, chOk := <-session.Finals():
		if !chOk {
			t.emitError(types.ErrSTTError, "speech-to-text stream closed without a final result")
			return "", false
		}
		t.engine.observer().ProviderDuration(t.sess.ID, "stt", time.Since(start))
		finalText := t.correctTranscript(sttCtx, final)
		t.emit(Event{Kind: EventTranscript, Text: finalText, IsFinal: true})
		return finalText, true
	case <-t.ctx.Done():
		return "", false
	}
}

// correctTranscript runs the configured transcript correction pipeline over
// final and returns the corrected text. Degrades gracefully: a nil pipeline,
// an empty entity list, or a correction error all fall back to the raw STT
// text rather than failing the turn.
func (t *turnState) correctTranscript(ctx context.Context, final types.Transcript) string {
	if t.engine.Transcript == nil || len(t.cfg.Entities) == 0 {
		return final.Text
	}
	corrected, err := t.engine.Transcript.Correct(ctx, final, t.cfg.Entities)
	if err != nil {
		slog.Warn("turn: transcript correction failed", "session_id", t.sess.ID, "err", err)
		return final.Text
	}
	return corrected.Corrected
}

func (t *turnState) classifySTTErr(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		t.emitError(types.ErrSTTTimeout, err.Error())
		return
	}
	t.emitError(types.ErrSTTError, err.Error())
}

// maybeDescribeAttachments calls the optional VisionProvider to turn
// attachments into textual context when the active LLM doesn't natively
// support vision, appending the descriptions after the transcribed text.
func (t *turnState) maybeDescribeAttachments(text string, attachments []types.VisionAttachment) string {
	if len(attachments) == 0 || t.engine.Vision == nil {
		return text
	}
	if t.engine.LLM != nil && t.engine.LLM.Capabilities().SupportsVision {
		return text
	}
	out := text
	for _, a := range attachments {
		desc, err := t.engine.Vision.Analyze(t.ctx, a, "Describe this image for a voice assistant that cannot see it.")
		if err != nil {
			slog.Warn("turn: vision analysis failed", "session_id", t.sess.ID, "err", err)
			continue
		}
		out += "\n[image: " + desc + "]"
	}
	return out
}

// resolveStage returns the effective stage configuration for this turn and
// the session's playbook state, if any. With no playbook attached it
// returns the engine's defaults and a nil state.
func (t *turnState) resolveStage() (playbook.ResolvedStage, *playbook.State, error) {
	state := t.sess.PlaybookState()
	if state == nil {
		return playbook.ResolvedStage{
			SystemPrompt:      t.cfg.DefaultSystemPrompt,
			Tools:             t.cfg.DefaultTools,
			ToolChoice:        types.ToolChoiceAuto,
			TwoPhaseExecution: true,
		}, nil, nil
	}
	pb := t.sess.Playbook()
	if pb == nil {
		return playbook.ResolvedStage{}, nil, fmt.Errorf("session has playbook state but no bound playbook")
	}
	resolved, err := pb.Resolve(state)
	return resolved, state, err
}

// runPhases executes phase 1 (tool loop) and phase 2 (reply), returning the
// final assistant reply text. cancelled is true if the turn context was
// cancelled before completion, in which case the caller must not proceed to
// playbook evaluation.
func (t *turnState) runPhases(resolved playbook.ResolvedStage) (reply string, cancelled bool) {
	phase1Ctx, cancel := context.WithTimeout(t.ctx, t.cfg.Phase1Timeout)
	defer cancel()

	messages := t.sess.History.Messages()
	phase1Text, ok := t.runToolLoop(phase1Ctx, resolved, messages)
	if !ok {
		return "", t.ctx.Err() != nil
	}

	if !resolved.TwoPhaseExecution {
		t.emit(Event{Kind: EventLLMFull, Content: phase1Text})
		t.sess.History.Append(types.Message{Role: "assistant", Content: phase1Text})
		t.synthesize(phase1Text, true)
		return phase1Text, t.ctx.Err() != nil
	}

	return t.runReplyPhase(resolved)
}

// runToolLoop runs the bounded phase-1 tool loop. Returns the resolved
// plain-text reply and ok=true, or ok=false if the loop was aborted by a
// non-retryable LLM error or context cancellation.
func (t *turnState) runToolLoop(ctx context.Context, resolved playbook.ResolvedStage, messages []types.Message) (string, bool) {
	var lastText string
	for iter := 0; iter < t.cfg.MaxToolIterations; iter++ {
		if ctx.Err() != nil {
			return "", false
		}

		req := llm.CompletionRequest{
			Messages:     messages,
			Tools:        resolved.Tools,
			ToolChoice:   resolved.ToolChoice,
			SystemPrompt: resolved.SystemPrompt,
		}
		applyLLMConfig(&req, resolved.LLM)

		resp, err := t.completeWithRetry(ctx, req)
		if err != nil {
			t.classifyLLMErr(err)
			return "", false
		}
		lastText = resp.Content

		if resp.StopReason != types.StopToolUse || len(resp.ToolCalls) == 0 {
			return resp.Content, true
		}

		assistantMsg := types.Message{Role: "assistant", ToolCalls: resp.ToolCalls}
		group := []types.Message{assistantMsg}

		for _, call := range resp.ToolCalls {
			t.toolCalls = append(t.toolCalls, call)
			if call.Name == playbook.TransitionPlaybookTool {
				t.llmDecisionTarget = extractTargetStage(call.Arguments)
			}

			start := time.Now()
			t.emit(Event{Kind: EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name, Arguments: call.Arguments})

			resultJSON, toolErr := t.executeTool(call, resolved.Tools)
			dur := time.Since(start)

			errMsg := ""
			if toolErr != nil {
				errMsg = toolErr.Error()
			}
			t.engine.observer().ToolCall(t.sess.ID, call.Name, dur, errMsg)
			t.emit(Event{
				Kind:       EventToolCallEnd,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result:     resultJSON,
				ToolErr:    errMsg,
				DurationMs: dur.Milliseconds(),
			})

			if toolErr != nil {
				t.results[call.Name] = map[string]any{"error": errMsg}
			} else {
				var parsed any
				if jsonErr := json.Unmarshal([]byte(resultJSON), &parsed); jsonErr == nil {
					t.results[call.Name] = parsed
				} else {
					t.results[call.Name] = resultJSON
				}
			}

			group = append(group, types.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Content:    resultOrError(resultJSON, toolErr),
			})
		}

		t.sess.History.Append(group...)
		messages = append(messages, group...)
	}

	// Exhausted iterations without a plain-text stop: use whatever text the
	// last response carried, if any, rather than failing the turn outright.
	return lastText, true
}

func (t *turnState) executeTool(call types.ToolCall, tools []types.ToolDefinition) (string, error) {
	if t.engine.Tools == nil {
		return "", fmt.Errorf("no tool host configured")
	}
	return t.engine.Tools.Execute(t.ctx, call, tools)
}

func resultOrError(result string, err error) string {
	if err != nil {
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(b)
	}
	return result
}

func extractTargetStage(argumentsJSON string) string {
	var args struct {
		TargetStage string `json:"targetStage"`
	}
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return ""
	}
	return args.TargetStage
}

func applyLLMConfig(req *llm.CompletionRequest, cfg playbook.LLMConfigOverrides) {
	if cfg.Temperature != nil {
		req.Temperature = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		req.MaxTokens = *cfg.MaxTokens
	}
}

func (t *turnState) completeWithRetry(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := resilience.Retry(ctx, t.cfg.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, t.cfg.LLMTimeout)
		defer cancel()
		start := time.Now()
		r, err := t.engine.LLM.Complete(callCtx, req)
		t.engine.observer().ProviderDuration(t.sess.ID, "llm", time.Since(start))
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (t *turnState) classifyLLMErr(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		t.emitError(types.ErrLLMTimeout, err.Error())
		return
	}
	t.emitError(types.ErrLLMError, err.Error())
}

// runReplyPhase streams phase 2's final reply, segmenting it into TTS
// fragments as it arrives. Returns the full reply text.
func (t *turnState) runReplyPhase(resolved playbook.ResolvedStage) (string, bool) {
	messages := t.sess.History.Messages()
	req := llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: resolved.SystemPrompt,
		ToolChoice:   types.ToolChoiceNone,
	}
	applyLLMConfig(&req, resolved.LLM)

	callCtx, cancel := context.WithTimeout(t.ctx, t.cfg.LLMTimeout)
	defer cancel()

	start := time.Now()
	stream, err := t.engine.LLM.StreamCompletion(callCtx, req)
	if err != nil {
		t.classifyLLMErr(err)
		return "", false
	}

	seg := &segmenter{}
	var fullText strings.Builder
	for {
		select {
		case <-t.ctx.Done():
			t.finishCancelled()
			return "", true
		case chunk, ok := <-stream:
			if !ok {
				t.engine.observer().ProviderDuration(t.sess.ID, "llm", time.Since(start))
				if residual := seg.Flush(); residual != "" {
					t.sendToTTS(residual)
				}
				t.emit(Event{Kind: EventLLMChunk, Content: "", Done: true})
				t.finishTTS()
				replyText := fullText.String()
				t.sess.History.Append(types.Message{Role: "assistant", Content: replyText})
				return replyText, false
			}
			if chunk.FinishReason == "error" {
				t.classifyLLMErr(fmt.Errorf("llm: %s", chunk.Text))
				t.finishCancelled()
				return "", false
			}
			if chunk.Text != "" {
				fullText.WriteString(chunk.Text)
				t.emit(Event{Kind: EventLLMChunk, Content: chunk.Text, Done: false})
				for _, frag := range seg.Feed(chunk.Text) {
					t.sendToTTS(frag)
				}
			}
		}
	}
}

func (t *turnState) sendToTTS(fragment string) {
	if !t.ttsStarted {
		t.startTTS()
	}
	select {
	case t.ttsTextCh <- fragment:
	case <-t.ctx.Done():
	}
}

func (t *turnState) startTTS() {
	t.ttsStarted = true
	t.ttsTextCh = make(chan string, 16)
	t.ttsDone = make(chan struct{})

	t.emit(Event{Kind: EventTTSStart, Format: t.cfg.TTSFormat, SampleRate: t.cfg.SampleRate})

	audioCh, err := t.engine.TTS.SynthesizeStream(t.ctx, t.ttsTextCh, t.cfg.Voice)
	if err != nil {
		t.emitError(types.ErrTTSError, err.Error())
		close(t.ttsDone)
		return
	}

	go func() {
		defer close(t.ttsDone)
		for frame := range audioCh {
			t.emit(Event{Kind: EventTTSChunk, Format: t.cfg.TTSFormat, SampleRate: t.cfg.SampleRate, Audio: frame})
		}
	}()
}

// finishTTS closes the text channel (if TTS started) and waits for the
// audio-forwarding goroutine to drain, then emits ttsComplete.
func (t *turnState) finishTTS() {
	if !t.ttsStarted {
		return
	}
	close(t.ttsTextCh)
	<-t.ttsDone
	t.emit(Event{Kind: EventTTSComplete})
}

// finishCancelled closes any in-flight TTS and emits ttsCancelled instead
// of ttsComplete.
func (t *turnState) finishCancelled() {
	if t.ttsStarted {
		close(t.ttsTextCh)
		<-t.ttsDone
		t.emit(Event{Kind: EventTTSCancelled})
	}
}

func (t *turnState) synthesize(text string, final bool) {
	if text == "" {
		return
	}
	t.sendToTTS(text)
	if final {
		t.finishTTS()
	}
}

func (t *turnState) evaluatePlaybook(state *playbook.State, replyText string) {
	if state == nil {
		return
	}
	pb := t.sess.Playbook()
	if pb == nil {
		return
	}
	state.IncrementTurn()

	fired, ok := pb.Evaluate(playbook.EvalContext{
		FinalReply:        replyText,
		ToolCalls:         t.toolCalls,
		ToolResults:       t.results,
		LLMDecisionTarget: t.llmDecisionTarget,
		State:             state,
		Now:               time.Now(),
	})
	if !ok {
		return
	}

	from := state.CurrentStage
	if prevStage, exists := pb.Stage(from); exists && prevStage.OnExit != nil {
		prevStage.OnExit(t.sess.ID, from)
	}

	if fired.Transition.Action.ClearHistory {
		t.sess.History.Clear()
	}
	if msg := fired.Transition.Action.TransitionMessage; msg != "" {
		role := fired.Transition.Action.TransitionMessageRole
		if role == "" {
			role = "system"
		}
		t.sess.History.Append(types.Message{Role: role, Content: msg})
	}

	state.Apply(fired)
	t.engine.observer().StageChange(t.sess.ID, from, state.CurrentStage, fired.Reason)
	t.emit(Event{Kind: EventStageChange, FromStage: from, ToStage: state.CurrentStage, Reason: fired.Reason})

	if newStage, exists := pb.Stage(state.CurrentStage); exists && newStage.OnEnter != nil {
		newStage.OnEnter(t.sess.ID, state.CurrentStage)
	}
}
