// Package bargein implements the Barge-in Controller: it watches VAD
// speechStart edges during TTS playback and cancels the in-flight turn so
// the user can interrupt the assistant.
package bargein

import (
	"log/slog"
	"sync"
	"time"
)

// TurnCanceller is the subset of internal/registry.Session the controller
// needs. Defined locally to avoid a dependency on the registry package.
type TurnCanceller interface {
	TurnActive() bool
	CancelActiveTurn()
}

// Controller suppresses self-triggered barge-in for a grace period after a
// turn completes its TTS playback (residual audio still in flight on the
// client can otherwise register as the user's own speech).
type Controller struct {
	mu              sync.Mutex
	suppressUntil   time.Time
	suppressWindow  time.Duration
}

// New creates a Controller with the given post-ttsComplete suppression
// window. A zero window disables suppression.
func New(suppressWindow time.Duration) *Controller {
	return &Controller{suppressWindow: suppressWindow}
}

// NotifyTTSComplete records that a turn's TTS playback just finished,
// starting the suppression window from now.
func (c *Controller) NotifyTTSComplete() {
	if c.suppressWindow <= 0 {
		return
	}
	c.mu.Lock()
	c.suppressUntil = time.Now().Add(c.suppressWindow)
	c.mu.Unlock()
}

// suppressed reports whether now falls inside the active suppression
// window.
func (c *Controller) suppressed(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Before(c.suppressUntil)
}

// OnSpeechStart is called on every VAD speechStart edge. If a turn is
// active and the edge is outside the suppression window, the active turn
// is cancelled — its cancellation token fires, it emits ttsCancelled (if
// TTS was in flight) and closes, and the caller is expected to start a new
// turn from the utterance that triggered this edge.
func (c *Controller) OnSpeechStart(sessionID string, turn TurnCanceller) {
	if c.suppressed(time.Now()) {
		return
	}
	if !turn.TurnActive() {
		return
	}
	slog.Info("barge-in: cancelling active turn", "session_id", sessionID)
	turn.CancelActiveTurn()
}
