package turn

import "github.com/llmrtc/llmrtc/pkg/types"

// EventKind discriminates Event's tagged-union variants, mirroring the
// server→client wire message set.
type EventKind string

const (
	EventTranscript    EventKind = "transcript"
	EventLLMChunk      EventKind = "llm-chunk"
	EventLLMFull       EventKind = "llm"
	EventToolCallStart EventKind = "tool-call-start"
	EventToolCallEnd   EventKind = "tool-call-end"
	EventTTSStart      EventKind = "tts-start"
	EventTTSChunk      EventKind = "tts-chunk"
	EventTTSComplete   EventKind = "tts-complete"
	EventTTSCancelled  EventKind = "tts-cancelled"
	EventStageChange   EventKind = "stage-change"
	EventError         EventKind = "error"
)

// AudioFormat enumerates the TTS audio encodings the wire protocol allows.
type AudioFormat string

const (
	FormatPCM AudioFormat = "pcm"
	FormatMP3 AudioFormat = "mp3"
	FormatOGG AudioFormat = "ogg"
	FormatWAV AudioFormat = "wav"
)

// Event is delivered to a Sender in emission order for one turn. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind           EventKind
	TurnGeneration uint64

	// transcript
	Text    string
	IsFinal bool

	// llm-chunk / llm
	Content string
	Done    bool

	// tool-call-start / tool-call-end
	ToolCallID string
	ToolName   string
	Arguments  string
	Result     string
	ToolErr    string
	DurationMs int64

	// tts-chunk
	Format     AudioFormat
	SampleRate int
	Audio      []byte

	// stage-change
	FromStage string
	ToStage   string
	Reason    string

	// error
	ErrorCode    types.ErrorCode
	ErrorMessage string
}

// Sender is the Turn Engine's single outbound entry point, implemented by
// the Transport Multiplexer. Implementations must preserve emission order
// per session on the reliable channel and must not block indefinitely on a
// stalled client.
type Sender interface {
	Send(ev Event) error
}
