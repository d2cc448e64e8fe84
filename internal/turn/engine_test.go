package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/llmrtc/llmrtc/internal/history"
	"github.com/llmrtc/llmrtc/internal/playbook"
	"github.com/llmrtc/llmrtc/internal/registry"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	sttmock "github.com/llmrtc/llmrtc/pkg/provider/stt/mock"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// recordingSender captures every emitted Event in order; safe for
// concurrent Send calls from the engine's background goroutines.
type recordingSender struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSender) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSender) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSender) has(k EventKind) bool {
	for _, ev := range s.snapshot() {
		if ev.Kind == k {
			return true
		}
	}
	return false
}

// scriptedLLM is a minimal llm.Provider double that returns a different
// Complete response on each successive call, driving the phase-1 tool loop
// through a scripted sequence (e.g. one tool call, then end_turn).
type scriptedLLM struct {
	mu sync.Mutex

	completeResponses []*llm.CompletionResponse
	completeCallCount int
	completeCalls     []llm.CompletionRequest
	completeErr       error

	streamChunks []llm.Chunk
	streamErr    error
	streamCalls  []llm.CompletionRequest

	capabilities types.ModelCapabilities
}

func (p *scriptedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeCalls = append(p.completeCalls, req)
	if p.completeErr != nil {
		return nil, p.completeErr
	}
	idx := p.completeCallCount
	if idx >= len(p.completeResponses) {
		idx = len(p.completeResponses) - 1
	}
	p.completeCallCount++
	return p.completeResponses[idx], nil
}

func (p *scriptedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.streamCalls = append(p.streamCalls, req)
	if p.streamErr != nil {
		err := p.streamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.streamChunks))
	copy(chunks, p.streamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

func (p *scriptedLLM) CountTokens(messages []types.Message) (int, error) {
	return len(messages), nil
}

func (p *scriptedLLM) Capabilities() types.ModelCapabilities {
	return p.capabilities
}

var _ llm.Provider = (*scriptedLLM)(nil)

// staticTool returns a fixed JSON result for any call.
type staticTool struct {
	result string
	err    error
	mu     sync.Mutex
	calls  []types.ToolCall
}

func (s *staticTool) Execute(ctx context.Context, call types.ToolCall, tools []types.ToolDefinition) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	return s.result, s.err
}

func newSession(historyLimit int) *registry.Session {
	return &registry.Session{
		ID:      "sess-1",
		History: history.New(historyLimit),
	}
}

func ttsProviderEchoing() *ttsmock.Provider {
	return &ttsmock.Provider{
		SynthesizeChunks: [][]byte{[]byte("frame-1"), []byte("frame-2")},
	}
}

func baseEngine() *Engine {
	return &Engine{
		TTS: ttsProviderEchoing(),
		Cfg: Config{
			SampleRate:        16000,
			MaxToolIterations: 4,
		},
	}
}

func TestRunTurnSinglePhaseNoToolsEndsWithAssistantReplyAndTTS(t *testing.T) {
	twoPhase := false
	pb := &playbook.Playbook{
		ID:           "single-phase",
		Stages:       []playbook.Stage{{ID: "only", TwoPhaseExecution: &twoPhase}},
		InitialStage: "only",
	}
	if err := pb.Validate(); err != nil {
		t.Fatalf("invalid playbook fixture: %v", err)
	}

	sess := newSession(10)
	sess.BindPlaybook(pb)
	sender := &recordingSender{}

	llmProv := &scriptedLLM{
		completeResponses: []*llm.CompletionResponse{
			{Content: "Hello there!", StopReason: types.StopEndTurn},
		},
	}

	e := baseEngine()
	e.LLM = llmProv

	e.RunTurn(context.Background(), sess, sender, nil, nil)

	if !sender.has(EventLLMFull) {
		t.Fatalf("expected an EventLLMFull, got kinds=%v", sender.snapshot())
	}
	if !sender.has(EventTTSComplete) {
		t.Fatalf("expected EventTTSComplete, got kinds=%v", sender.snapshot())
	}
	if sender.has(EventTTSCancelled) {
		t.Fatalf("did not expect cancellation on a clean single-phase turn")
	}

	// RunTurn always records the admitted turn's user message (empty here,
	// since no audio or attachments were supplied) before running phases.
	msgs := sess.History.Messages()
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[1].Content != "Hello there!" {
		t.Fatalf("expected user+assistant messages, got %+v", msgs)
	}
	if len(llmProv.streamCalls) != 0 {
		t.Fatalf("single-phase execution must not make a second streamed LLM call, got %d", len(llmProv.streamCalls))
	}
}

func TestRunTurnAppendsUserMessageFromSTTFinal(t *testing.T) {
	sess := newSession(10)
	sender := &recordingSender{}

	sttSess := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 1),
		FinalsCh:   make(chan types.Transcript, 1),
	}
	sttSess.FinalsCh <- types.Transcript{Text: "what's the weather"}
	close(sttSess.FinalsCh)

	e := baseEngine()
	e.STT = &sttmock.Provider{Session: sttSess}
	e.LLM = &scriptedLLM{
		completeResponses: []*llm.CompletionResponse{
			{Content: "It's sunny.", StopReason: types.StopEndTurn},
		},
	}

	e.RunTurn(context.Background(), sess, sender, []byte{1, 2, 3}, nil)

	msgs := sess.History.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant messages, got %+v", msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "what's the weather" {
		t.Fatalf("expected user message with transcribed text, got %+v", msgs[0])
	}
	if !sender.has(EventTranscript) {
		t.Fatalf("expected a transcript event, got %v", sender.snapshot())
	}
}

func TestRunTurnSTTTimeoutAbortsWithNoAssistantReply(t *testing.T) {
	sess := newSession(10)
	sender := &recordingSender{}

	// Finals never delivered: the session blocks until the STT timeout fires.
	sttSess := &sttmock.Session{
		PartialsCh: make(chan types.Transcript),
		FinalsCh:   make(chan types.Transcript),
	}

	e := baseEngine()
	e.STT = &sttmock.Provider{Session: sttSess}
	e.LLM = &scriptedLLM{completeResponses: []*llm.CompletionResponse{{Content: "unreachable"}}}
	e.Cfg.STTTimeout = 20 * time.Millisecond

	e.RunTurn(context.Background(), sess, sender, []byte{1, 2, 3}, nil)

	if len(sess.History.Messages()) != 0 {
		t.Fatalf("expected no history append after an STT timeout, got %+v", sess.History.Messages())
	}
	if !sender.has(EventError) {
		t.Fatalf("expected an error event, got %v", sender.snapshot())
	}
	for _, ev := range sender.snapshot() {
		if ev.Kind == EventError && ev.ErrorCode != types.ErrSTTTimeout {
			t.Fatalf("expected ErrSTTTimeout, got %s", ev.ErrorCode)
		}
	}
}

func TestRunTurnLLMErrorAbortsWithoutReply(t *testing.T) {
	sess := newSession(10)
	sender := &recordingSender{}

	e := baseEngine()
	e.LLM = &scriptedLLM{completeErr: errors.New("backend unavailable")}

	e.RunTurn(context.Background(), sess, sender, nil, nil)

	// The admitted turn's user message is recorded before the LLM call; only
	// the assistant reply must be absent after a hard LLM error.
	msgs := sess.History.Messages()
	for _, m := range msgs {
		if m.Role == "assistant" {
			t.Fatalf("expected no assistant reply after an LLM error, got %+v", msgs)
		}
	}
	found := false
	for _, ev := range sender.snapshot() {
		if ev.Kind == EventError && ev.ErrorCode == types.ErrLLMError {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an ErrLLMError event, got %v", sender.snapshot())
	}
}

func TestRunTurnToolLoopPreservesToolPairIntegrity(t *testing.T) {
	sess := newSession(10)
	sender := &recordingSender{}

	tool := &staticTool{result: `{"ok":true}`}

	llmProv := &scriptedLLM{
		completeResponses: []*llm.CompletionResponse{
			{
				StopReason: types.StopToolUse,
				ToolCalls:  []types.ToolCall{{ID: "call-1", Name: "lookup", Arguments: `{"q":"x"}`}},
			},
			{StopReason: types.StopEndTurn},
		},
		// Without a playbook every turn runs two-phase (see resolveStage's
		// default), so the reply actually used in history comes from this
		// streamed phase-2 call, not from the tool-loop's own text.
		streamChunks: []llm.Chunk{{Text: "Found it."}},
	}

	e := baseEngine()
	e.LLM = llmProv
	e.Tools = tool

	e.RunTurn(context.Background(), sess, sender, nil, nil)

	msgs := sess.History.Messages()
	if err := history.ValidateToolPairIntegrity(msgs); err != nil {
		t.Fatalf("tool-pair integrity violated: %v", err)
	}
	// [0] the admitted turn's (empty) user message, [1] the assistant
	// tool-call request, [2] its tool result, [3] the final assistant reply.
	if len(msgs) != 4 {
		t.Fatalf("expected user+assistant(tool-call)+tool+assistant(reply), got %+v", msgs)
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("expected second message to carry the tool call, got %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call-1" {
		t.Fatalf("expected matching tool result, got %+v", msgs[2])
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != "Found it." {
		t.Fatalf("expected final assistant reply, got %+v", msgs[3])
	}
	if !sender.has(EventToolCallStart) || !sender.has(EventToolCallEnd) {
		t.Fatalf("expected tool-call-start/end events, got %v", sender.snapshot())
	}
}

func TestRunTurnToolLoopBoundedByMaxIterations(t *testing.T) {
	sess := newSession(10)
	sender := &recordingSender{}

	tool := &staticTool{result: "{}"}

	// Every Complete call requests the same tool again, never reaching
	// end_turn; the loop must stop after MaxToolIterations rounds rather
	// than looping forever.
	alwaysToolCall := &llm.CompletionResponse{
		StopReason: types.StopToolUse,
		ToolCalls:  []types.ToolCall{{ID: "call-1", Name: "loopy"}},
	}
	llmProv := &scriptedLLM{completeResponses: []*llm.CompletionResponse{alwaysToolCall}}

	e := baseEngine()
	e.Cfg.MaxToolIterations = 3
	e.LLM = llmProv
	e.Tools = tool

	done := make(chan struct{})
	go func() {
		e.RunTurn(context.Background(), sess, sender, nil, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunTurn did not return; tool loop likely did not respect MaxToolIterations")
	}

	if llmProv.completeCallCount != 3 {
		t.Fatalf("expected exactly MaxToolIterations Complete calls, got %d", llmProv.completeCallCount)
	}
	if len(tool.calls) != 3 {
		t.Fatalf("expected exactly MaxToolIterations tool executions, got %d", len(tool.calls))
	}
}

func TestRunTurnTwoPhaseStreamsReplyAndSegmentsTTS(t *testing.T) {
	sess := newSession(10)
	sender := &recordingSender{}

	llmProv := &scriptedLLM{
		completeResponses: []*llm.CompletionResponse{
			{Content: "", StopReason: types.StopEndTurn},
		},
		streamChunks: []llm.Chunk{
			{Text: "Sure thing. "},
			{Text: "Here is more detail to follow up with."},
		},
	}

	e := baseEngine()
	e.LLM = llmProv

	e.RunTurn(context.Background(), sess, sender, nil, nil)

	if len(llmProv.streamCalls) != 1 {
		t.Fatalf("expected exactly one fresh StreamCompletion call for phase 2, got %d", len(llmProv.streamCalls))
	}
	if llmProv.streamCalls[0].ToolChoice != types.ToolChoiceNone {
		t.Fatalf("expected phase 2 to force ToolChoiceNone, got %+v", llmProv.streamCalls[0].ToolChoice)
	}
	if !sender.has(EventLLMChunk) {
		t.Fatalf("expected streamed llm-chunk events, got %v", sender.snapshot())
	}
	if !sender.has(EventTTSStart) || !sender.has(EventTTSComplete) {
		t.Fatalf("expected tts-start/tts-complete events, got %v", sender.snapshot())
	}

	msgs := sess.History.Messages()
	if len(msgs) != 2 || msgs[1].Content != "Sure thing. Here is more detail to follow up with." {
		t.Fatalf("expected the full streamed reply appended once after the user message, got %+v", msgs)
	}
}

func TestRunTurnBargeInCancellationEmitsTTSCancelledNotComplete(t *testing.T) {
	sess := newSession(10)
	sender := &recordingSender{}

	// A stream that blocks after its first chunk so the test can cancel
	// mid-reply, simulating barge-in.
	blockCh := make(chan llm.Chunk)
	llmProv := &blockingStreamLLM{
		completeResponse: &llm.CompletionResponse{Content: "", StopReason: types.StopEndTurn},
		chunks:           blockCh,
	}

	e := baseEngine()
	e.LLM = llmProv

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.RunTurn(ctx, sess, sender, nil, nil)
		close(done)
	}()

	// Ends on a sentence boundary well past the segmenter's minimum fragment
	// length, so this chunk alone is flushed to TTS immediately rather than
	// waiting on more text that will never arrive.
	blockCh <- llm.Chunk{Text: "Partial reply before the barge-in lands. "}
	// Give the segmenter/TTS goroutines a moment to observe the chunk.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunTurn did not return after cancellation")
	}

	if sender.has(EventTTSComplete) {
		t.Fatalf("did not expect tts-complete on a cancelled turn, got %v", sender.snapshot())
	}
	if !sender.has(EventTTSCancelled) {
		t.Fatalf("expected tts-cancelled on a cancelled turn, got %v", sender.snapshot())
	}
	msgs := sess.History.Messages()
	for _, m := range msgs {
		if m.Role == "assistant" {
			t.Fatalf("expected no partial assistant message appended on cancellation, got %+v", msgs)
		}
	}
}

// blockingStreamLLM streams chunks fed in over a channel the test controls,
// so the test can pause a turn mid-stream to simulate barge-in.
type blockingStreamLLM struct {
	completeResponse *llm.CompletionResponse
	chunks           chan llm.Chunk
}

func (p *blockingStreamLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.completeResponse, nil
}

func (p *blockingStreamLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-p.chunks:
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *blockingStreamLLM) CountTokens(messages []types.Message) (int, error) { return 0, nil }
func (p *blockingStreamLLM) Capabilities() types.ModelCapabilities             { return types.ModelCapabilities{} }

var _ llm.Provider = (*blockingStreamLLM)(nil)

func TestRunTurnEvaluatesPlaybookTransitionOnKeyword(t *testing.T) {
	pb := &playbook.Playbook{
		ID: "support",
		Stages: []playbook.Stage{
			{ID: "greeting", SystemPrompt: "Greet."},
			{ID: "billing", SystemPrompt: "Handle billing."},
		},
		Transitions: []playbook.Transition{
			{
				ID:   "to-billing",
				From: "greeting",
				Condition: playbook.Condition{
					Kind:     playbook.ConditionKeyword,
					Keywords: []string{"invoice"},
				},
				Action: playbook.Action{TargetStage: "billing"},
			},
		},
		InitialStage: "greeting",
	}
	if err := pb.Validate(); err != nil {
		t.Fatalf("invalid playbook fixture: %v", err)
	}

	sess := newSession(10)
	sess.BindPlaybook(pb)
	sender := &recordingSender{}

	e := baseEngine()
	e.LLM = &scriptedLLM{
		completeResponses: []*llm.CompletionResponse{
			{StopReason: types.StopEndTurn},
		},
		// The playbook's keyword condition matches against the phase-2
		// streamed reply, since this stage defaults to two-phase execution.
		streamChunks: []llm.Chunk{{Text: "Let me pull up your invoice."}},
	}

	e.RunTurn(context.Background(), sess, sender, nil, nil)

	if sess.PlaybookState().CurrentStage != "billing" {
		t.Fatalf("expected playbook to transition to billing, got %q", sess.PlaybookState().CurrentStage)
	}
	if !sender.has(EventStageChange) {
		t.Fatalf("expected a stage-change event, got %v", sender.snapshot())
	}
}
