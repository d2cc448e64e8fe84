package stt

import "github.com/llmrtc/llmrtc/pkg/types"

// Transcript and KeywordBoost are aliases for their pkg/types counterparts,
// kept so callers throughout the codebase can keep referring to them as
// stt.Transcript / stt.KeywordBoost while the interface itself (see
// provider.go) is expressed in terms of the canonical cross-package types.
type Transcript = types.Transcript
type KeywordBoost = types.KeywordBoost
