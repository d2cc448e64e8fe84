// Package history implements the per-session conversation log.
//
// A History is append-only with idempotent reads. Its defining invariant is
// tool-pair integrity: every assistant message carrying N tool-call requests
// must be immediately followed, within the stored window, by exactly N tool
// messages bearing matching tool-call ids, in the same order. Trimming the
// log to stay under historyLimit must never cut in the middle of such a
// group.
package history

import (
	"fmt"
	"sync"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// History is a trim-on-append conversation log, safe for concurrent use.
// Every History belongs to exactly one session; mutation is expected to be
// confined to that session's owning goroutine, but the mutex makes
// concurrent reads (e.g. from a metrics hook) safe regardless.
type History struct {
	mu    sync.Mutex
	limit int
	msgs  []types.Message
}

// New creates a History that trims to at most limit messages on append.
// A non-positive limit disables trimming.
func New(limit int) *History {
	return &History{limit: limit}
}

// Append adds msgs to the end of the log as a single atomic operation, then
// trims from the head if the log now exceeds the configured limit. Callers
// must pass a complete, tool-pair-consistent group in one call — e.g. an
// assistant tool-call message together with all of its tool-result replies —
// so that trimming never has to choose to split it.
func (h *History) Append(msgs ...types.Message) {
	if len(msgs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msgs...)
	h.trimLocked()
}

// Messages returns a copy of the current log in order. The returned slice is
// safe for the caller to use without further locking and mutating it has no
// effect on the stored history.
func (h *History) Messages() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the current number of stored messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Clear wipes all stored messages.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = h.msgs[:0]
}

// Replace atomically swaps the entire stored log, used by the Playbook
// Engine's clearHistory/transitionMessage handling and by reconnect restore.
// The replacement is trimmed the same way a normal append would be.
func (h *History) Replace(msgs []types.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append([]types.Message(nil), msgs...)
	h.trimLocked()
}

// trimLocked removes whole tool-pair groups from the head until the log is
// at or under the configured limit, or no safe cut remains. Must be called
// with h.mu held.
func (h *History) trimLocked() {
	if h.limit <= 0 {
		return
	}
	for len(h.msgs) > h.limit {
		cut := safeBoundary(h.msgs)
		if cut <= 0 {
			// No safe cut exists without violating tool-pair integrity
			// (e.g. a single group is itself larger than the limit).
			return
		}
		h.msgs = h.msgs[cut:]
	}
}

// safeBoundary finds the first index > 0 such that removing everything
// strictly before it leaves tool-pair integrity intact, i.e. the end of the
// head group (an ordinary message, or an assistant tool-call message plus
// its N tool results). Returns 0 if the head group spans the entire log
// (no safe cut exists without splitting it).
func safeBoundary(msgs []types.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	groupEnd := groupLength(msgs, 0)
	if groupEnd >= len(msgs) {
		return 0
	}
	return groupEnd
}

// groupLength returns the number of messages in the tool-pair group starting
// at index i: 1 for any non-assistant, or assistant-without-tool-calls,
// message; 1+N for an assistant message bearing N tool-call requests,
// covering the N tool-result messages that must follow it.
func groupLength(msgs []types.Message, i int) int {
	m := msgs[i]
	if m.Role != "assistant" || len(m.ToolCalls) == 0 {
		return 1
	}
	n := len(m.ToolCalls)
	// Defensive: if the stored log is shorter than the declared tool-call
	// count (should never happen given Append's contract), don't index out
	// of bounds — count what's actually present.
	if i+1+n > len(msgs) {
		n = len(msgs) - i - 1
	}
	return 1 + n
}

// ValidateToolPairIntegrity reports an error if msgs violates the tool-pair
// invariant: every assistant message with N tool-call requests must be
// followed by exactly N tool messages with matching, correctly ordered
// tool-call ids. Used by tests and by Append's callers that want to validate
// a group before committing it.
func ValidateToolPairIntegrity(msgs []types.Message) error {
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		if m.Role != "assistant" || len(m.ToolCalls) == 0 {
			i++
			continue
		}
		for j, tc := range m.ToolCalls {
			idx := i + 1 + j
			if idx >= len(msgs) {
				return fmt.Errorf("history: assistant message at %d expects tool result %d for call %q, none present", i, j, tc.ID)
			}
			reply := msgs[idx]
			if reply.Role != "tool" || reply.ToolCallID != tc.ID {
				return fmt.Errorf("history: assistant message at %d expects tool result for call %q at position %d, got role=%q toolCallId=%q", i, tc.ID, idx, reply.Role, reply.ToolCallID)
			}
		}
		i += 1 + len(m.ToolCalls)
	}
	return nil
}
