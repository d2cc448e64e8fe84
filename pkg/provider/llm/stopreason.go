package llm

import "github.com/llmrtc/llmrtc/pkg/types"

// NormalizeStopReason maps a provider-native finish reason string to the
// provider-agnostic types.StopReason vocabulary the turn engine expects.
// Unknown reasons map to types.StopEndTurn, the safest default (the engine
// treats an unrecognized reason as "nothing more to do").
func NormalizeStopReason(raw string) types.StopReason {
	switch raw {
	case "tool_calls", "tool_use":
		return types.StopToolUse
	case "length", "max_tokens":
		return types.StopMaxTokens
	case "stop_sequence":
		return types.StopStopSequence
	case "stop", "end_turn", "":
		return types.StopEndTurn
	default:
		return types.StopEndTurn
	}
}
