package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":    {"deepgram", "whisper", "whisper-native"},
	"tts":    {"elevenlabs", "coqui"},
	"vad":    {"silero"},
	"vision": {"gemini", "openai"},
}

// validConditionKinds mirrors internal/playbook.ConditionKind, minus
// "custom" which has no YAML representation.
var validConditionKinds = []string{"keyword", "intent", "tool_call", "tool_result", "llm_decision", "max_turns", "timeout"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("vision", cfg.Providers.Vision.Name)

	if cfg.Providers.LLM.Name == "" && len(cfg.Playbooks) > 0 {
		slog.Warn("no LLM provider configured; playbooks will not be able to generate responses")
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; sessions cannot transcribe caller audio")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; sessions cannot speak responses")
	}

	// Session
	if cfg.Session.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("session.history_limit %d must be >= 0", cfg.Session.HistoryLimit))
	}
	if cfg.Session.TTL < 0 {
		errs = append(errs, fmt.Errorf("session.ttl %s must be >= 0", cfg.Session.TTL))
	}

	// Retry
	if cfg.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must be >= 0", cfg.Retry.MaxAttempts))
	}
	if cfg.Retry.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay %s must be >= 0", cfg.Retry.BaseDelay))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must be >= 0", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must be >= 0", cfg.Resilience.ResetTimeout))
	}
	if cfg.Resilience.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must be >= 0", cfg.Resilience.HalfOpenMax))
	}

	// Transcript
	if cfg.Transcript.LLMAssist && cfg.Providers.LLM.Name == "" {
		slog.Warn("transcript.llm_assist is set but no LLM provider is configured; the LLM correction stage will be skipped")
	}
	if cfg.Transcript.LLMConfidenceThreshold < 0 || cfg.Transcript.LLMConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("transcript.llm_confidence_threshold %v must be in [0, 1]", cfg.Transcript.LLMConfidenceThreshold))
	}

	// Playbooks
	playbookIDsSeen := make(map[string]int, len(cfg.Playbooks))
	for i, pb := range cfg.Playbooks {
		prefix := fmt.Sprintf("playbooks[%d]", i)
		if pb.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := playbookIDsSeen[pb.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of playbooks[%d]", prefix, pb.ID, prev))
		} else {
			playbookIDsSeen[pb.ID] = i
		}

		stageIDsSeen := make(map[string]int, len(pb.Stages))
		for j, stage := range pb.Stages {
			sPrefix := fmt.Sprintf("%s.stages[%d]", prefix, j)
			if stage.ID == "" {
				errs = append(errs, fmt.Errorf("%s.id is required", sPrefix))
			} else if prev, ok := stageIDsSeen[stage.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of %s.stages[%d]", sPrefix, stage.ID, prefix, prev))
			} else {
				stageIDsSeen[stage.ID] = j
			}
		}
		if pb.InitialStage != "" {
			if _, ok := stageIDsSeen[pb.InitialStage]; !ok {
				errs = append(errs, fmt.Errorf("%s.initial_stage %q does not name a stage in %s.stages", prefix, pb.InitialStage, prefix))
			}
		}

		for k, tr := range pb.Transitions {
			tPrefix := fmt.Sprintf("%s.transitions[%d]", prefix, k)
			if tr.Condition.Kind != "" && !slices.Contains(validConditionKinds, tr.Condition.Kind) {
				errs = append(errs, fmt.Errorf("%s.condition.kind %q is invalid; valid values: %v", tPrefix, tr.Condition.Kind, validConditionKinds))
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
