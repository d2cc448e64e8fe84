package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/llmrtc/llmrtc/internal/turn"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// fakeConn is an in-memory reliableConn: writes are captured, reads are
// served from a pre-loaded queue.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	toRead  []clientMessage
	readIdx int
	closed  bool
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readIdx >= len(f.toRead) {
		return 0, nil, errors.New("fakeConn: no more messages")
	}
	msg := f.toRead[f.readIdx]
	f.readIdx++
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, nil, err
	}
	return websocket.MessageText, b, nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages() []serverMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]serverMessage, 0, len(f.written))
	for _, b := range f.written {
		var m serverMessage
		if err := json.Unmarshal(b, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

type fakeMedia struct {
	ready   bool
	sendErr error
	sent    [][]byte
	closed  bool
}

func (f *fakeMedia) AcceptOffer(offerSDP string) (string, error) { return "answer-sdp", nil }
func (f *fakeMedia) AddICECandidate(candidate string) error      { return nil }
func (f *fakeMedia) SendAudio(frame []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeMedia) Ready() bool  { return f.ready }
func (f *fakeMedia) Close() error { f.closed = true; return nil }

func TestSendTTSChunkRoutesToMediaWhenReady(t *testing.T) {
	conn := &fakeConn{}
	mux := New("sess-1", conn, nil)
	media := &fakeMedia{ready: true}
	mux.media = media

	err := mux.Send(turn.Event{Kind: turn.EventTTSChunk, Audio: []byte("frame")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media.sent) != 1 || string(media.sent[0]) != "frame" {
		t.Fatalf("expected frame routed to media channel, got %v", media.sent)
	}
	if len(conn.written) != 0 {
		t.Fatalf("expected no reliable-channel write when media channel accepted the frame, got %d", len(conn.written))
	}
}

func TestSendTTSChunkFallsBackToReliableWhenMediaNotReady(t *testing.T) {
	conn := &fakeConn{}
	mux := New("sess-1", conn, nil)
	media := &fakeMedia{ready: false}
	mux.media = media

	err := mux.Send(turn.Event{Kind: turn.EventTTSChunk, Format: turn.FormatPCM, SampleRate: 16000, Audio: []byte("frame")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media.sent) != 0 {
		t.Fatalf("expected no media send when not ready, got %v", media.sent)
	}
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Type != "tts-chunk" {
		t.Fatalf("expected a base64 tts-chunk fallback on the reliable channel, got %+v", msgs)
	}
}

func TestSendTTSChunkFallsBackWhenMediaSendErrors(t *testing.T) {
	conn := &fakeConn{}
	mux := New("sess-1", conn, nil)
	media := &fakeMedia{ready: true, sendErr: errors.New("datachannel closed")}
	mux.media = media

	if err := mux.Send(turn.Event{Kind: turn.EventTTSChunk, Audio: []byte("frame")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Type != "tts-chunk" {
		t.Fatalf("expected reliable-channel fallback after media send error, got %+v", msgs)
	}
}

func TestSendNonAudioEventAlwaysGoesOverReliable(t *testing.T) {
	conn := &fakeConn{}
	mux := New("sess-1", conn, nil)
	mux.media = &fakeMedia{ready: true}

	if err := mux.Send(turn.Event{Kind: turn.EventTTSComplete}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Type != "tts-complete" {
		t.Fatalf("expected tts-complete on the reliable channel, got %+v", msgs)
	}
}

func TestRunReadLoopAnswersPingWithPong(t *testing.T) {
	conn := &fakeConn{toRead: []clientMessage{{Type: "ping", Timestamp: 12345}}}
	mux := New("sess-1", conn, nil)

	done := make(chan struct{})
	go func() {
		_ = mux.RunReadLoop(context.Background())
		close(done)
	}()
	<-done

	msgs := conn.messages()
	if len(msgs) != 1 || msgs[0].Type != "pong" || msgs[0].Timestamp != 12345 {
		t.Fatalf("expected a pong echoing the timestamp, got %+v", msgs)
	}
}

func TestRunReadLoopDispatchesReconnectAndClosesInbound(t *testing.T) {
	conn := &fakeConn{toRead: []clientMessage{{Type: "reconnect", SessionID: "sess-old"}}}
	mux := New("sess-1", conn, nil)

	done := make(chan struct{})
	go func() {
		_ = mux.RunReadLoop(context.Background())
		close(done)
	}()

	ev, ok := <-mux.Inbound()
	if !ok || ev.Kind != ClientReconnect || ev.SessionID != "sess-old" {
		t.Fatalf("expected a reconnect ClientEvent, got %+v ok=%v", ev, ok)
	}

	<-done
	if _, ok := <-mux.Inbound(); ok {
		t.Fatalf("expected Inbound() to be closed once RunReadLoop returns")
	}
}

func TestRunReadLoopDecodesAudioAndAttachments(t *testing.T) {
	audio := []byte{1, 2, 3, 4}
	conn := &fakeConn{toRead: []clientMessage{{
		Type: "audio",
		Data: encodeAudio(audio),
		Attachments: []attachmentWireJSON{
			{MediaType: "image/png", Data: encodeAudio([]byte("pngdata"))},
		},
	}}}
	mux := New("sess-1", conn, nil)

	go func() { _ = mux.RunReadLoop(context.Background()) }()

	ev, ok := <-mux.Inbound()
	if !ok || ev.Kind != ClientAudio {
		t.Fatalf("expected a ClientAudio event, got %+v ok=%v", ev, ok)
	}
	if string(ev.Audio) != string(audio) {
		t.Fatalf("expected decoded audio %v, got %v", audio, ev.Audio)
	}
	if len(ev.Attachments) != 1 || ev.Attachments[0].MediaType != "image/png" || string(ev.Attachments[0].Data) != "pngdata" {
		t.Fatalf("expected a decoded attachment, got %+v", ev.Attachments)
	}
}

func TestRunReadLoopRejectsInvalidAudioBase64WithoutDispatching(t *testing.T) {
	conn := &fakeConn{toRead: []clientMessage{
		{Type: "audio", Data: "not-valid-base64!!"},
		{Type: "ping", Timestamp: 1},
	}}
	mux := New("sess-1", conn, nil)

	done := make(chan struct{})
	go func() {
		_ = mux.RunReadLoop(context.Background())
		close(done)
	}()
	<-done

	msgs := conn.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected an error reply plus the pong, got %+v", msgs)
	}
	if msgs[0].Type != "error" || msgs[0].Code != string(types.ErrInvalidAudioFormat) {
		t.Fatalf("expected an INVALID_AUDIO_FORMAT error, got %+v", msgs[0])
	}
}

func TestCloseIsIdempotentAndClosesMedia(t *testing.T) {
	conn := &fakeConn{}
	mux := New("sess-1", conn, nil)
	media := &fakeMedia{}
	mux.media = media

	if err := mux.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mux.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
	if !conn.closed {
		t.Fatalf("expected the reliable connection to be closed")
	}
	if !media.closed {
		t.Fatalf("expected the media channel to be closed")
	}
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	conn := &fakeConn{}
	mux := New("sess-1", conn, nil)
	_ = mux.Close()

	if err := mux.Send(turn.Event{Kind: turn.EventTTSComplete}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
