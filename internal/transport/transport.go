// Package transport implements the Transport Multiplexer: one reliable
// ordered channel (browser WebSocket, via github.com/coder/websocket) and
// one optional unreliable datagram channel (WebRTC DataChannel, via
// pkg/webrtcmedia) per Session, plus the JSON wire codec between them.
//
// A Multiplexer implements internal/turn.Sender directly: the Turn Engine
// calls Send with an Event and the Multiplexer decides the outbound routing
// policy — whether the payload goes out over the media channel (audio, when
// ready) or the reliable channel (everything else, and audio as a base64
// fallback).
//
// No ordering is guaranteed between audio sent on the media channel and
// messages sent on the reliable channel; clients treat the tts-start,
// tts-complete and tts-cancelled messages as authoritative for where TTS
// playback begins and ends.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/types"
	"github.com/llmrtc/llmrtc/pkg/webrtcmedia"
)

// ErrClosed is returned by Send and RunReadLoop once the Multiplexer has
// been closed.
var ErrClosed = errors.New("transport: multiplexer closed")

// reliableConn is the subset of *websocket.Conn the Multiplexer needs.
// Defined locally so tests can substitute a fake without a real socket.
type reliableConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// mediaChannel is the subset of *webrtcmedia.PeerConnection the Multiplexer
// needs. Defined locally for the same reason as reliableConn.
type mediaChannel interface {
	AcceptOffer(offerSDP string) (answerSDP string, err error)
	AddICECandidate(candidate string) error
	SendAudio(frame []byte) error
	Ready() bool
	Close() error
}

// ClientEventKind discriminates ClientEvent's variants.
type ClientEventKind string

const (
	ClientOffer       ClientEventKind = "offer"
	ClientReconnect   ClientEventKind = "reconnect"
	ClientAudio       ClientEventKind = "audio"
	ClientAttachments ClientEventKind = "attachments"
)

// ClientEvent is one decoded inbound message, handed to whatever owns the
// Multiplexer's read loop (internal/app's connection handler) for dispatch
// against the Session Registry and Turn Engine. ping/pong is handled
// entirely inside the Multiplexer and never surfaces here.
type ClientEvent struct {
	Kind        ClientEventKind
	Signal      string // offer
	SessionID   string // reconnect
	Audio       []byte // audio
	Attachments []types.VisionAttachment
}

// Multiplexer owns one reliable channel and optionally one unreliable media
// channel for a single Session. It is rebindable: on reconnect, a fresh
// Multiplexer is constructed around the new WebSocket and swapped onto the
// Session via registry.Session.Rebind, which closes the previous one.
type Multiplexer struct {
	sessionID string
	reliable  reliableConn
	stun      []string

	writeMu sync.Mutex // serializes reliable writes to preserve FIFO order

	mu    sync.Mutex
	media mediaChannel

	inbound chan ClientEvent
	closed  chan struct{}
	once    sync.Once
}

// New creates a Multiplexer bound to an already-accepted WebSocket
// connection. stunServers configures any WebRTC PeerConnection later
// created by HandleOffer; a nil slice uses webrtcmedia.DefaultSTUNServers.
func New(sessionID string, conn reliableConn, stunServers []string) *Multiplexer {
	return &Multiplexer{
		sessionID: sessionID,
		reliable:  conn,
		stun:      stunServers,
		inbound:   make(chan ClientEvent, 16),
		closed:    make(chan struct{}),
	}
}

// Inbound returns the channel of decoded client events. The caller must
// drain it until it closes (which RunReadLoop does on exit).
func (m *Multiplexer) Inbound() <-chan ClientEvent {
	return m.inbound
}

// SendReady writes the initial `ready` handshake message.
func (m *Multiplexer) SendReady(protocolVersion int, iceServers []string) error {
	return m.writeReliable(serverMessage{
		Type:            "ready",
		ID:              m.sessionID,
		ProtocolVersion: protocolVersion,
		ICEServers:      iceServers,
	})
}

// SendReconnectAck writes the `reconnect-ack` response.
func (m *Multiplexer) SendReconnectAck(success, historyRecovered bool) error {
	return m.writeReliable(serverMessage{
		Type:             "reconnect-ack",
		Success:          success,
		SessionID:        m.sessionID,
		HistoryRecovered: historyRecovered,
	})
}

// SendSignal writes the SDP answer produced by HandleOffer.
func (m *Multiplexer) SendSignal(answerSDP string) error {
	return m.writeReliable(serverMessage{Type: "signal", Signal: answerSDP})
}

// Send implements internal/turn.Sender. TTS audio chunks are routed to the
// media channel when it is present and ready; every other event goes out as
// JSON on the reliable channel, and TTS audio falls back to the reliable
// channel, base64-encoded, when the media channel is absent, not ready, or
// its send fails.
func (m *Multiplexer) Send(ev turn.Event) error {
	if ev.Kind == turn.EventTTSChunk {
		m.mu.Lock()
		media := m.media
		m.mu.Unlock()
		if media != nil && media.Ready() {
			if err := media.SendAudio(ev.Audio); err == nil {
				return nil
			}
			// Fall through to the reliable-channel base64 fallback on error.
		}
	}
	return m.writeReliable(eventToMessage(ev))
}

func (m *Multiplexer) writeReliable(msg serverMessage) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return writeJSON(context.Background(), m.reliable, msg)
}

// HandleOffer applies a client SDP offer, creating the unreliable media
// channel if one does not already exist, and returns the SDP answer to send
// via SendSignal.
func (m *Multiplexer) HandleOffer(offerSDP string) (string, error) {
	m.mu.Lock()
	media := m.media
	m.mu.Unlock()

	if media == nil {
		pc, err := webrtcmedia.New(m.stun)
		if err != nil {
			return "", fmt.Errorf("transport: create media channel: %w", err)
		}
		m.mu.Lock()
		m.media = pc
		m.mu.Unlock()
		media = pc
	}
	return media.AcceptOffer(offerSDP)
}

// HandleICECandidate forwards a trickled ICE candidate to the media channel,
// if one has been created.
func (m *Multiplexer) HandleICECandidate(candidate string) error {
	m.mu.Lock()
	media := m.media
	m.mu.Unlock()
	if media == nil {
		return fmt.Errorf("transport: no media channel to add ICE candidate to")
	}
	return media.AddICECandidate(candidate)
}

// RunReadLoop reads and decodes client messages until the connection errors
// or ctx is cancelled, pushing decoded ClientEvents onto Inbound() and
// answering `ping` with `pong` directly. It closes Inbound() on return; the
// caller should then treat the Session's transport as gone (reconnect is
// the recovery path).
func (m *Multiplexer) RunReadLoop(ctx context.Context) error {
	defer close(m.inbound)
	for {
		msg, err := readClientMessage(ctx, m.reliable)
		if err != nil {
			return err
		}

		switch msg.Type {
		case "ping":
			if err := m.writeReliable(serverMessage{Type: "pong", Timestamp: msg.Timestamp}); err != nil {
				return err
			}
		case "offer":
			// Connection-handling code (internal/app) is responsible for
			// calling HandleOffer/SendSignal; we still forward the event so
			// it can log or gate on session state before doing so.
			m.dispatch(ctx, ClientEvent{Kind: ClientOffer, Signal: msg.Signal})
		case "reconnect":
			m.dispatch(ctx, ClientEvent{Kind: ClientReconnect, SessionID: msg.SessionID})
		case "audio":
			audio, err := decodeAudio(msg.Data)
			if err != nil {
				if werr := m.writeReliable(serverMessage{Type: "error", Code: string(types.ErrInvalidAudioFormat), Message: err.Error()}); werr != nil {
					return werr
				}
				continue
			}
			m.dispatch(ctx, ClientEvent{
				Kind:        ClientAudio,
				Audio:       audio,
				Attachments: decodeAttachments(msg.Attachments),
			})
		case "attachments":
			m.dispatch(ctx, ClientEvent{Kind: ClientAttachments, Attachments: decodeAttachments(msg.Attachments)})
		default:
			if err := m.writeReliable(serverMessage{Type: "error", Code: string(types.ErrInvalidMessage), Message: "unknown message type: " + msg.Type}); err != nil {
				return err
			}
		}
	}
}

func (m *Multiplexer) dispatch(ctx context.Context, ev ClientEvent) {
	select {
	case m.inbound <- ev:
	case <-ctx.Done():
	case <-m.closed:
	}
}

func decodeAttachments(in []attachmentWireJSON) []types.VisionAttachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]types.VisionAttachment, 0, len(in))
	for _, a := range in {
		data, err := decodeAudio(a.Data) // same base64 decoding rule as audio
		if err != nil {
			slog.Warn("transport: dropping attachment with invalid base64 data", "err", err)
			continue
		}
		out = append(out, types.VisionAttachment{Data: data, MediaType: a.MediaType, Alt: a.Alt})
	}
	return out
}

// Close tears down the reliable and (if present) media channel. Safe to
// call more than once. Satisfies internal/registry.Multiplexer.
func (m *Multiplexer) Close() error {
	var firstErr error
	m.once.Do(func() {
		close(m.closed)
		if err := m.reliable.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			firstErr = err
		}
		m.mu.Lock()
		media := m.media
		m.mu.Unlock()
		if media != nil {
			if err := media.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// heartbeatInterval is how often internal/app's connection handler should
// expect (not send) client pings before treating the channel as stalled.
// Exported as a constant rather than hardcoded at call sites.
const heartbeatInterval = 30 * time.Second

// HeartbeatInterval returns the expected client ping cadence.
func HeartbeatInterval() time.Duration { return heartbeatInterval }
