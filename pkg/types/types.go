// Package types defines the shared data model used across all llmrtc packages.
//
// These types form the lingua franca between providers, the turn engine, the
// transport multiplexer, and the history store. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the media
// channel, processed by VAD, and handed to STT.
type AudioFrame struct {
	// Data is raw PCM audio. Sample rate and channel count are determined by
	// the session's negotiated format.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono (the only format the turn engine consumes).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0-1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// KeywordBoost biases an STT provider's recognition toward a specific
// vocabulary term, improving accuracy for domain terminology (tool names,
// product names, jargon) that a general-purpose acoustic model tends to
// mis-hear.
type KeywordBoost struct {
	// Keyword is the term to boost.
	Keyword string

	// Boost is the provider-relative boost strength; interpretation (e.g.
	// additive log-probability vs. a 0-1 weight) is provider-specific.
	Boost float64
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// VisionAttachment is an image queued alongside a turn's input, per the
// attachments control message. It is consumed atomically by the next
// admitted turn.
type VisionAttachment struct {
	// Data is the raw image bytes.
	Data []byte

	// MediaType is the attachment's MIME type (e.g. "image/png").
	MediaType string

	// Alt is an optional caller-supplied description. It travels with the
	// attachment to VisionProvider.Analyze; the turn engine's prompt does not
	// include it, and the genai provider does not read it.
	Alt string
}

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// Attachments holds vision attachments consumed into this message at
	// turn admission. Only meaningful on "user" messages.
	Attachments []VisionAttachment

	// ToolCalls contains any tool invocations requested by the assistant.
	// Only meaningful on "assistant" messages.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which preceding
	// assistant tool-call request this message answers.
	ToolCallID string

	// ToolName is set when Role is "tool", naming the tool that produced
	// this result. Must match the name on the corresponding ToolCall.
	ToolName string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned,
	// referred to elsewhere as callId).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// Tier classifies expected execution latency; the tool host uses it to
	// pick a default timeout when the tool doesn't specify one itself.
	Tier BudgetTier
}

// BudgetTier classifies a tool by its expected execution latency so the
// tool host can apply a tier-appropriate timeout without every tool having
// to declare one explicitly.
type BudgetTier int

const (
	// BudgetTierFast is for tools expected to return in well under a
	// second (pure computation, in-memory lookups).
	BudgetTierFast BudgetTier = iota

	// BudgetTierStandard is for tools that make a single network call
	// (typical HTTP API lookups).
	BudgetTierStandard

	// BudgetTierSlow is for tools that may involve multiple round trips
	// or a slow upstream (batch jobs, long-running searches).
	BudgetTierSlow
)

// MaxLatencyMs returns the default execution timeout, in milliseconds, for
// tools in this tier.
func (b BudgetTier) MaxLatencyMs() int {
	switch b {
	case BudgetTierFast:
		return 500
	case BudgetTierStandard:
		return 5000
	case BudgetTierSlow:
		return 30000
	default:
		return 5000
	}
}

// String implements fmt.Stringer.
func (b BudgetTier) String() string {
	switch b {
	case BudgetTierFast:
		return "fast"
	case BudgetTierStandard:
		return "standard"
	case BudgetTierSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// ToolChoice controls how a Stage constrains the LLM's use of tools.
type ToolChoice struct {
	// Mode is one of "auto", "none", "required", or "specific".
	Mode string

	// Name is the tool name when Mode is "specific".
	Name string
}

// Auto, None and Required are the non-specific ToolChoice modes.
var (
	ToolChoiceAuto     = ToolChoice{Mode: "auto"}
	ToolChoiceNone     = ToolChoice{Mode: "none"}
	ToolChoiceRequired = ToolChoice{Mode: "required"}
)

// ToolChoiceSpecific returns a ToolChoice pinned to a single named tool.
func ToolChoiceSpecific(name string) ToolChoice {
	return ToolChoice{Mode: "specific", Name: name}
}

// StopReason enumerates why an LLM call stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0-1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// ErrorCode identifies the machine-readable category of an error event
// delivered to the client. The complete set mirrors the wire protocol.
type ErrorCode string

const (
	ErrWebRTCUnavailable   ErrorCode = "WEBRTC_UNAVAILABLE"
	ErrConnectionFailed    ErrorCode = "CONNECTION_FAILED"
	ErrSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionExpired      ErrorCode = "SESSION_EXPIRED"
	ErrSTTError            ErrorCode = "STT_ERROR"
	ErrSTTTimeout          ErrorCode = "STT_TIMEOUT"
	ErrLLMError            ErrorCode = "LLM_ERROR"
	ErrLLMTimeout          ErrorCode = "LLM_TIMEOUT"
	ErrTTSError            ErrorCode = "TTS_ERROR"
	ErrTTSTimeout          ErrorCode = "TTS_TIMEOUT"
	ErrAudioProcessing     ErrorCode = "AUDIO_PROCESSING_ERROR"
	ErrVAD                 ErrorCode = "VAD_ERROR"
	ErrInvalidMessage      ErrorCode = "INVALID_MESSAGE"
	ErrInvalidAudioFormat  ErrorCode = "INVALID_AUDIO_FORMAT"
	ErrTool                ErrorCode = "TOOL_ERROR"
	ErrPlaybook            ErrorCode = "PLAYBOOK_ERROR"
	ErrInternal            ErrorCode = "INTERNAL_ERROR"
	ErrRateLimited         ErrorCode = "RATE_LIMITED"
)

// VoiceProfile describes a TTS voice configuration: which provider voice to
// use and how to shape its delivery.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5-2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
