package transport

import "github.com/llmrtc/llmrtc/internal/turn"

// clientMessage is the envelope for every reliable-channel message the
// client sends, discriminated by Type.
type clientMessage struct {
	Type string `json:"type"`

	// ping
	Timestamp int64 `json:"timestamp,omitempty"`

	// offer
	Signal string `json:"signal,omitempty"`

	// reconnect
	SessionID string `json:"sessionId,omitempty"`

	// audio
	Data        string               `json:"data,omitempty"` // base64 WAV
	Attachments []attachmentWireJSON `json:"attachments,omitempty"`
}

// attachmentWireJSON mirrors types.VisionAttachment on the wire.
type attachmentWireJSON struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
	Alt       string `json:"alt,omitempty"`
}

// serverMessage is the envelope for every reliable-channel message the
// server sends, discriminated by Type. Fields are omitted when empty so
// each concrete message only serializes what it actually needs.
type serverMessage struct {
	Type string `json:"type"`

	// ready
	ID              string   `json:"id,omitempty"`
	ProtocolVersion int      `json:"protocolVersion,omitempty"`
	ICEServers      []string `json:"iceServers,omitempty"`

	// pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// signal
	Signal string `json:"signal,omitempty"`

	// reconnect-ack
	Success          bool   `json:"success,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	HistoryRecovered bool   `json:"historyRecovered,omitempty"`

	// transcript
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`

	// llm-chunk / llm
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`

	// tts-chunk / tts
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Data       string `json:"data,omitempty"` // base64 audio

	// tool-call-start / tool-call-end
	Name       string `json:"name,omitempty"`
	CallID     string `json:"callId,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// stage-change
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// eventToMessage converts a Turn Engine Event into the wire message defined
// for its kind. Panics are never used here: an unrecognized
// Kind (should not happen — every turn.EventKind has a case) falls through
// to an INTERNAL_ERROR-shaped error message so a bug in the engine surfaces
// to the client instead of vanishing silently.
func eventToMessage(ev turn.Event) serverMessage {
	switch ev.Kind {
	case turn.EventTranscript:
		return serverMessage{Type: "transcript", Text: ev.Text, IsFinal: ev.IsFinal}
	case turn.EventLLMChunk:
		return serverMessage{Type: "llm-chunk", Content: ev.Content, Done: ev.Done}
	case turn.EventLLMFull:
		return serverMessage{Type: "llm", Text: ev.Content}
	case turn.EventToolCallStart:
		return serverMessage{Type: "tool-call-start", Name: ev.ToolName, CallID: ev.ToolCallID, Arguments: ev.Arguments}
	case turn.EventToolCallEnd:
		return serverMessage{Type: "tool-call-end", CallID: ev.ToolCallID, Result: ev.Result, Error: ev.ToolErr, DurationMs: ev.DurationMs}
	case turn.EventTTSStart:
		return serverMessage{Type: "tts-start"}
	case turn.EventTTSChunk:
		return serverMessage{Type: "tts-chunk", Format: string(ev.Format), SampleRate: ev.SampleRate, Data: encodeAudio(ev.Audio)}
	case turn.EventTTSComplete:
		return serverMessage{Type: "tts-complete"}
	case turn.EventTTSCancelled:
		return serverMessage{Type: "tts-cancelled"}
	case turn.EventStageChange:
		return serverMessage{Type: "stage-change", From: ev.FromStage, To: ev.ToStage, Reason: ev.Reason}
	case turn.EventError:
		return serverMessage{Type: "error", Code: string(ev.ErrorCode), Message: ev.ErrorMessage}
	default:
		return serverMessage{Type: "error", Code: "INTERNAL_ERROR", Message: "unrecognized event kind: " + string(ev.Kind)}
	}
}
