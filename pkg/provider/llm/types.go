package llm

import "github.com/llmrtc/llmrtc/pkg/types"

// ToolDefinition, ToolCall, and Message are aliases for their pkg/types
// counterparts, kept so callers throughout the codebase can keep referring
// to them as llm.ToolDefinition / llm.ToolCall / llm.Message while
// CompletionRequest itself (see provider.go) is expressed in terms of the
// canonical cross-package types.
type ToolDefinition = types.ToolDefinition
type ToolCall = types.ToolCall
type Message = types.Message
