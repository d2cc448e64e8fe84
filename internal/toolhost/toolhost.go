// Package toolhost implements the Turn Engine's ToolExecutor boundary: a
// local registry of callable tools, each carrying a [types.ToolDefinition]
// schema and a handler function, dispatched by name with a tier-derived
// timeout.
//
// Tools are registered in-process with their tier declared up front rather
// than measured: there is no multi-server bridge or live calibration here,
// just a register/catalogue/execute dispatch surface.
package toolhost

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// Tool pairs an LLM-facing schema with the handler invoked when the engine
// calls it. Handler receives the JSON-encoded arguments string and returns a
// JSON-encoded result string, or an error describing why the call failed.
type Tool struct {
	Definition types.ToolDefinition
	Handler    func(ctx context.Context, args string) (string, error)
}

// toolStat accumulates lightweight per-tool call statistics for the health
// checker and observability.
type toolStat struct {
	calls       int64
	errors      int64
	totalMillis int64
}

// Health is a point-in-time snapshot of one tool's call statistics.
type Health struct {
	Name          string
	CallCount     int64
	ErrorCount    int64
	AvgDurationMs int64
	Tier          types.BudgetTier
}

// Host is the in-process tool registry and dispatcher. Safe for concurrent
// use.
type Host struct {
	mu    sync.RWMutex
	tools map[string]Tool

	statMu sync.Mutex
	stats  map[string]*toolStat
}

// New creates an empty Host. Register tools with [Host.Register] before use.
func New() *Host {
	return &Host{
		tools: make(map[string]Tool),
		stats: make(map[string]*toolStat),
	}
}

// Register adds a tool to the catalogue. Returns an error if the name is
// empty or already registered — tool sets are assembled once at startup, so
// a collision is a configuration mistake rather than something to silently
// overwrite.
func (h *Host) Register(tool Tool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("toolhost: tool definition must have a name")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.tools[tool.Definition.Name]; exists {
		return fmt.Errorf("toolhost: tool %q already registered", tool.Definition.Name)
	}
	h.tools[tool.Definition.Name] = tool
	return nil
}

// AvailableTools returns every registered tool whose Tier is at or below
// tier, sorted by Tier then Name so the LLM sees a stable ordering across
// calls.
func (h *Host) AvailableTools(tier types.BudgetTier) []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]types.ToolDefinition, 0, len(h.tools))
	for _, t := range h.tools {
		if t.Definition.Tier <= tier {
			out = append(out, t.Definition)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Execute implements internal/turn.ToolExecutor. It looks up the named tool
// both in the Host's own registry and in the resolved playbook tool list
// passed by the engine (the latter supplies the Tier actually offered for
// this turn, which may differ from the tool's registered default if a
// playbook stage overrides it), applies a timeout derived from that Tier,
// and runs the handler.
func (h *Host) Execute(ctx context.Context, call types.ToolCall, tools []types.ToolDefinition) (string, error) {
	h.mu.RLock()
	tool, ok := h.tools[call.Name]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("toolhost: unknown tool %q", call.Name)
	}

	tier := tool.Definition.Tier
	for _, d := range tools {
		if d.Name == call.Name {
			tier = d.Tier
			break
		}
	}

	timeout := time.Duration(tier.MaxLatencyMs()) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := tool.Handler(callCtx, call.Arguments)
	h.record(call.Name, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("toolhost: %s: %w", call.Name, err)
	}
	return result, nil
}

func (h *Host) record(name string, d time.Duration, err error) {
	h.statMu.Lock()
	defer h.statMu.Unlock()
	s, ok := h.stats[name]
	if !ok {
		s = &toolStat{}
		h.stats[name] = s
	}
	s.calls++
	s.totalMillis += d.Milliseconds()
	if err != nil {
		s.errors++
	}
}

// Snapshot returns per-tool call statistics collected since the Host was
// created, for the readiness/metrics surface.
func (h *Host) Snapshot() []Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.statMu.Lock()
	defer h.statMu.Unlock()

	out := make([]Health, 0, len(h.tools))
	for name, t := range h.tools {
		s := h.stats[name]
		hh := Health{Name: name, Tier: t.Definition.Tier}
		if s != nil {
			hh.CallCount = s.calls
			hh.ErrorCount = s.errors
			if s.calls > 0 {
				hh.AvgDurationMs = s.totalMillis / s.calls
			}
		}
		out = append(out, hh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases Host resources. There are no persistent connections to
// tear down — tools run in-process — but Close is kept so internal/app can
// treat every component uniformly in its shutdown closer list.
func (h *Host) Close() error { return nil }
