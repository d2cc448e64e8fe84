// Package vad layers hysteresis edge detection and a pre-roll buffer on top
// of the frame-synchronous pkg/provider/vad.Engine, producing the
// speechStart/speechEnd edges and buffered utterance audio the Turn Engine
// and Barge-in Controller consume.
package vad

import (
	"fmt"
	"sync"
	"time"

	vadprovider "github.com/llmrtc/llmrtc/pkg/provider/vad"
	"github.com/llmrtc/llmrtc/pkg/types"
)

// Config tunes the hysteresis layer. The underlying provider's own
// SpeechThreshold/SilenceThreshold (pkg/provider/vad.Config) control
// per-frame classification; these durations control how long that
// classification must hold before an edge fires.
type Config struct {
	Provider vadprovider.Config

	// MinSpeechDuration is how long speech must be sustained before a
	// speechStart edge fires.
	MinSpeechDuration time.Duration

	// MinSilenceDuration is how long silence must be sustained before a
	// speechEnd edge fires.
	MinSilenceDuration time.Duration

	// PreRollDuration is how much audio captured before speechStart is
	// prepended to the buffered utterance.
	PreRollDuration time.Duration

	// FrameDuration is the duration represented by one frame passed to
	// ProcessFrame; used to convert the above durations into frame counts.
	FrameDuration time.Duration
}

// Edge is the hysteresis-resolved event handed to subscribers.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeSpeechStart
	EdgeSpeechEnd
)

// Session wraps one pkg/provider/vad.SessionHandle with hysteresis and a
// pre-roll ring buffer. Not safe for concurrent calls to ProcessFrame from
// multiple goroutines — frames for one session must arrive from a single
// reader, matching the Transport Multiplexer's per-session audio path.
type Session struct {
	cfg    Config
	handle vadprovider.SessionHandle

	mu sync.Mutex

	speaking        bool
	sustainedSpeech int
	sustainedSilent int
	requiredSpeech  int
	requiredSilence int

	preRoll    [][]byte
	preRollCap int

	utterance [][]byte
}

// NewSession opens a hysteresis-wrapped VAD session against engine.
func NewSession(engine vadprovider.Engine, cfg Config) (*Session, error) {
	handle, err := engine.NewSession(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("vad: opening provider session: %w", err)
	}

	frameDur := cfg.FrameDuration
	if frameDur <= 0 {
		frameDur = time.Duration(cfg.Provider.FrameSizeMs) * time.Millisecond
	}
	reqSpeech := framesFor(cfg.MinSpeechDuration, frameDur)
	reqSilence := framesFor(cfg.MinSilenceDuration, frameDur)
	preRollCap := framesFor(cfg.PreRollDuration, frameDur)

	return &Session{
		cfg:             cfg,
		handle:          handle,
		requiredSpeech:  reqSpeech,
		requiredSilence: reqSilence,
		preRollCap:      preRollCap,
	}, nil
}

func framesFor(d, frameDur time.Duration) int {
	if d <= 0 || frameDur <= 0 {
		return 0
	}
	n := int(d / frameDur)
	if n < 1 {
		n = 1
	}
	return n
}

// ProcessFrame feeds one frame of PCM audio through the provider and
// applies hysteresis. It returns the resolved Edge (EdgeNone most of the
// time) and, on EdgeSpeechEnd, the complete buffered utterance (pre-roll +
// all frames from speechStart through speechEnd, concatenated).
func (s *Session) ProcessFrame(frame []byte) (Edge, []byte, error) {
	raw, err := s.handle.ProcessFrame(frame)
	if err != nil {
		return EdgeNone, nil, fmt.Errorf("vad: processing frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	isSpeech := raw.Type == types.VADSpeechStart || raw.Type == types.VADSpeechContinue

	if !s.speaking {
		s.bufferPreRoll(frame)
		if isSpeech {
			s.sustainedSpeech++
			s.sustainedSilent = 0
			if s.sustainedSpeech >= s.requiredSpeech {
				s.speaking = true
				s.sustainedSpeech = 0
				s.sustainedSilent = 0
				s.utterance = append(s.utterance, s.preRoll...)
				s.preRoll = nil
				return EdgeSpeechStart, nil, nil
			}
		} else {
			s.sustainedSpeech = 0
		}
		return EdgeNone, nil, nil
	}

	// Speaking: accumulate the utterance and watch for sustained silence.
	s.utterance = append(s.utterance, clone(frame))
	if !isSpeech {
		s.sustainedSilent++
		s.sustainedSpeech = 0
		if s.sustainedSilent >= s.requiredSilence {
			utterance := concat(s.utterance)
			s.speaking = false
			s.utterance = nil
			s.sustainedSilent = 0
			return EdgeSpeechEnd, utterance, nil
		}
	} else {
		s.sustainedSilent = 0
	}
	return EdgeNone, nil, nil
}

func (s *Session) bufferPreRoll(frame []byte) {
	if s.preRollCap <= 0 {
		return
	}
	s.preRoll = append(s.preRoll, clone(frame))
	if len(s.preRoll) > s.preRollCap {
		s.preRoll = s.preRoll[len(s.preRoll)-s.preRollCap:]
	}
}

func clone(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

func concat(frames [][]byte) []byte {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// Reset clears all hysteresis and buffering state, e.g. after a turn is
// cancelled mid-utterance.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.Reset()
	s.speaking = false
	s.sustainedSpeech = 0
	s.sustainedSilent = 0
	s.preRoll = nil
	s.utterance = nil
}

// Close releases the underlying provider session.
func (s *Session) Close() error {
	return s.handle.Close()
}
