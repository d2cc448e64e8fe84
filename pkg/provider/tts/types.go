package tts

import "github.com/llmrtc/llmrtc/pkg/types"

// VoiceProfile is an alias for types.VoiceProfile so existing provider
// implementations and callers can keep referring to tts.VoiceProfile while
// the interface itself (see provider.go) is expressed in terms of the
// canonical cross-package type.
type VoiceProfile = types.VoiceProfile
