// Package config provides the configuration schema, loader, file watcher,
// and provider registry for llmrtcd, the LLMRTC turn-engine server.
package config

import "time"

// LogLevel controls log/slog verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the four recognized levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}

// Config is the root configuration structure for llmrtcd.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Retry      RetryConfig      `yaml:"retry"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Playbooks  []PlaybookConfig `yaml:"playbooks"`
}

// ServerConfig holds network and logging settings for the llmrtcd server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage of the Turn Engine's pipeline. Each field selects a named provider
// registered in the [Registry]. STT, LLM, and TTS are required for a session
// to hold a conversation; VAD and Vision are optional (a zero-value
// ProviderEntry, i.e. empty Name, means "not configured").
type ProvidersConfig struct {
	LLM    ProviderEntry `yaml:"llm"`
	STT    ProviderEntry `yaml:"stt"`
	TTS    ProviderEntry `yaml:"tts"`
	VAD    ProviderEntry `yaml:"vad"`
	Vision ProviderEntry `yaml:"vision"`

	// LLMFallbacks, STTFallbacks, and TTSFallbacks name additional provider
	// entries tried, in order, when the primary entry's circuit breaker
	// opens. Empty means no failover: a primary failure fails the call.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o", "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes the Session Registry (internal/registry): how long an
// idle session's state is kept around for reconnect, how often expired
// sessions are swept, and how many messages of history each session retains.
type SessionConfig struct {
	// TTL is how long a session may go without recorded activity before it
	// is evicted; a session with a running turn is never evicted. Zero or
	// negative selects the server default (30m).
	TTL time.Duration `yaml:"ttl"`

	// EvictInterval is how often the background sweep runs.
	EvictInterval time.Duration `yaml:"evict_interval"`

	// HistoryLimit bounds the number of messages retained per session.
	HistoryLimit int `yaml:"history_limit"`
}

// RetryConfig mirrors internal/resilience.RetryConfig for YAML purposes. It
// is translated into a resilience.RetryConfig when providers are wired up.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the delay before the first retry; it doubles each
	// subsequent attempt unless a RetryableError's RetryAfter() overrides it.
	BaseDelay time.Duration `yaml:"base_delay"`
}

// ResilienceConfig tunes the circuit breaker that guards each provider's
// fallback chain (see ProvidersConfig.LLMFallbacks and friends). It has no
// effect on a provider kind with no fallbacks configured.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive failures before a breaker
	// opens and skips that entry in favour of the next fallback. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing the
	// entry again. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of successful probe calls required to close
	// a breaker again after it opened. Default: 3.
	HalfOpenMax int `yaml:"half_open_max"`
}

// TranscriptConfig enables the post-STT transcript correction pass: a fast
// phonetic matching stage, optionally followed by an LLM-assisted stage for
// low-confidence spans the phonetic stage didn't resolve.
type TranscriptConfig struct {
	// Entities is the domain vocabulary (product names, account names, and
	// other proper nouns the acoustic model tends to mis-hear) the
	// correction pipeline recognises. Empty disables the pipeline.
	Entities []string `yaml:"entities"`

	// LLMAssist enables the second-stage LLM correction pass using the
	// configured LLM provider. Ignored (treated as false) when no LLM
	// provider is configured.
	LLMAssist bool `yaml:"llm_assist"`

	// LLMConfidenceThreshold is the STT word-confidence score below which a
	// word is flagged as a candidate for the LLM pass. Default: 0.5.
	LLMConfidenceThreshold float64 `yaml:"llm_confidence_threshold"`
}

// PlaybookConfig is the YAML-serializable subset of internal/playbook.Playbook.
// internal/app compiles each PlaybookConfig into a playbook.Playbook at
// startup. Func-typed hooks (OnEnter/OnExit, a ConditionCustom predicate)
// have no YAML representation and are never produced from this type; a
// playbook needing one is built in Go and registered directly instead.
type PlaybookConfig struct {
	ID                 string             `yaml:"id"`
	InitialStage       string             `yaml:"initial_stage"`
	GlobalSystemPrompt string             `yaml:"global_system_prompt"`
	GlobalTools        []string           `yaml:"global_tools"`
	Stages             []StageConfig      `yaml:"stages"`
	Transitions        []TransitionConfig `yaml:"transitions"`
}

// StageConfig is the YAML form of internal/playbook.Stage.
type StageConfig struct {
	ID                string   `yaml:"id"`
	SystemPrompt      string   `yaml:"system_prompt"`
	Tools             []string `yaml:"tools"`
	ToolChoice        string   `yaml:"tool_choice"`
	TwoPhaseExecution *bool    `yaml:"two_phase_execution"`
	MaxTurns          int      `yaml:"max_turns"`
	TimeoutMs         int      `yaml:"timeout_ms"`
}

// ConditionConfig is the YAML form of internal/playbook.Condition. Kind
// selects which of the other fields are meaningful; see
// internal/playbook.ConditionKind for the recognized values (every kind
// except "custom", which has no YAML representation).
type ConditionConfig struct {
	Kind            string   `yaml:"kind"`
	Keywords        []string `yaml:"keywords"`
	Intent          string   `yaml:"intent"`
	IntentThreshold float64  `yaml:"intent_threshold"`
	ToolName        string   `yaml:"tool_name"`
	Count           int      `yaml:"count"`
	DurationMs      int      `yaml:"duration_ms"`
}

// ActionConfig is the YAML form of internal/playbook.Action.
type ActionConfig struct {
	TargetStage           string `yaml:"target_stage"`
	TransitionMessage     string `yaml:"transition_message"`
	TransitionMessageRole string `yaml:"transition_message_role"`
	ClearHistory          bool   `yaml:"clear_history"`
}

// TransitionConfig is the YAML form of internal/playbook.Transition.
type TransitionConfig struct {
	ID        string          `yaml:"id"`
	From      string          `yaml:"from"`
	Condition ConditionConfig `yaml:"condition"`
	Action    ActionConfig    `yaml:"action"`
	Priority  int             `yaml:"priority"`
}
