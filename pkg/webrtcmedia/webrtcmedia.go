// Package webrtcmedia provides the unreliable media channel used by the
// Transport Multiplexer (internal/transport) for low-latency TTS audio
// delivery. It wraps a pion/webrtc PeerConnection and a single unordered,
// no-retransmit DataChannel carrying raw audio frames.
//
// SDP offer/answer and ICE candidate handling are backed directly by
// github.com/pion/webrtc/v4.
package webrtcmedia

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

const (
	audioChannelLabel  = "audio"
	inputChannelBuffer = 64
)

// ErrClosed is returned by SendAudio and AddICECandidate once the
// PeerConnection has been closed.
var ErrClosed = errors.New("webrtcmedia: connection closed")

// DefaultSTUNServers is used when a Session's config names no STUN server.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// PeerConnection manages one browser peer's unreliable media channel.
// One PeerConnection is created per Session when the client signals an
// offer; it is owned by the Session's Multiplexer (internal/transport) and
// torn down on disconnect or reconnect.
//
// PeerConnection is safe for concurrent use.
type PeerConnection struct {
	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	audioIn chan []byte
	opened  chan struct{}
	closed  atomic.Bool
}

// New creates a PeerConnection configured with the given STUN servers (a nil
// or empty slice falls back to DefaultSTUNServers) and opens the unreliable
// "audio" DataChannel. The returned PeerConnection has no remote description
// set yet; call AcceptOffer next.
func New(stunServers []string) (*PeerConnection, error) {
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}

	api := webrtc.NewAPI()
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("webrtcmedia: new peer connection: %w", err)
	}

	ordered := false
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel(audioChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("webrtcmedia: create audio data channel: %w", err)
	}

	p := &PeerConnection{
		pc:      pc,
		channel: dc,
		audioIn: make(chan []byte, inputChannelBuffer),
		opened:  make(chan struct{}),
	}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.closed.Load() {
			return
		}
		select {
		case p.audioIn <- msg.Data:
		default:
			// Channel full — drop the frame rather than block the pion
			// callback goroutine.
		}
	})
	dc.OnOpen(func() {
		close(p.opened)
	})

	return p, nil
}

// AcceptOffer applies the client's SDP offer and returns the SDP answer to
// send back via the reliable channel's `signal` message.
func (p *PeerConnection) AcceptOffer(offerSDP string) (answerSDP string, err error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("webrtcmedia: set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtcmedia: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtcmedia: set local answer: %w", err)
	}
	return answer.SDP, nil
}

// AddICECandidate adds a remote ICE candidate received over the reliable
// channel.
func (p *PeerConnection) AddICECandidate(candidate string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// SendAudio writes one frame of TTS audio to the unreliable channel. It
// returns ErrClosed once Close has been called; callers should fall back to
// base64-over-reliable on any error.
func (p *PeerConnection) SendAudio(frame []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.channel.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("webrtcmedia: audio channel not open (state=%s)", p.channel.ReadyState())
	}
	return p.channel.Send(frame)
}

// AudioInput returns the channel delivering audio frames received from the
// peer (e.g. raw microphone PCM, if the client elects to stream over the
// media channel instead of `audio{data}` messages).
func (p *PeerConnection) AudioInput() <-chan []byte {
	return p.audioIn
}

// Ready reports whether the audio DataChannel has completed its open
// handshake.
func (p *PeerConnection) Ready() bool {
	return p.channel.ReadyState() == webrtc.DataChannelStateOpen
}

// Close tears down the peer connection. Safe to call more than once.
func (p *PeerConnection) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}
