// Command llmrtcd is the main entry point for the LLMRTC turn-engine server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/llmrtc/llmrtc/internal/app"
	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/internal/resilience"
	"github.com/llmrtc/llmrtc/pkg/provider/llm"
	"github.com/llmrtc/llmrtc/pkg/provider/llm/anyllm"
	"github.com/llmrtc/llmrtc/pkg/provider/llm/openai"
	"github.com/llmrtc/llmrtc/pkg/provider/stt"
	"github.com/llmrtc/llmrtc/pkg/provider/stt/deepgram"
	"github.com/llmrtc/llmrtc/pkg/provider/stt/whisper"
	"github.com/llmrtc/llmrtc/pkg/provider/tts"
	"github.com/llmrtc/llmrtc/pkg/provider/tts/coqui"
	"github.com/llmrtc/llmrtc/pkg/provider/tts/elevenlabs"
	"github.com/llmrtc/llmrtc/pkg/provider/vision"
	"github.com/llmrtc/llmrtc/pkg/provider/vision/genai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "llmrtcd: config file %q not found — pass -config with the path to a YAML configuration file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "llmrtcd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("llmrtcd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every concrete provider implementation that
// ships with llmrtcd into the registry, keyed by the name operators select
// via providers.<kind>.name in config.yaml.
//
// No concrete VAD backend ships with this build — pkg/provider/vad only
// defines the Engine interface plus a mock for tests — so providers.vad.name
// is accepted by the schema but always resolves to ErrProviderNotRegistered
// until an operator registers one of their own.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anthropic", anyllmFactory(anyllm.NewAnthropic))
	reg.RegisterLLM("gemini", anyllmFactory(anyllm.NewGemini))
	reg.RegisterLLM("ollama", anyllmFactory(anyllm.NewOllama))
	reg.RegisterLLM("deepseek", anyllmFactory(anyllm.NewDeepSeek))
	reg.RegisterLLM("mistral", anyllmFactory(anyllm.NewMistral))
	reg.RegisterLLM("groq", anyllmFactory(anyllm.NewGroq))
	reg.RegisterLLM("llamacpp", anyllmFactory(anyllm.NewLlamaCpp))
	reg.RegisterLLM("llamafile", anyllmFactory(anyllm.NewLlamaFile))

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		return whisper.New(e.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		return coqui.New(e.BaseURL)
	})

	reg.RegisterVision("genai", func(e config.ProviderEntry) (vision.Provider, error) {
		return genai.New(context.Background(), e.APIKey, e.Model)
	})
}

// anyllmFactory adapts one of anyllm's per-backend constructors (which take
// only model + options) into the config.Registry's ProviderEntry-based
// factory signature. APIKey, if set, is passed through as an explicit
// any-llm-go option; otherwise the backend falls back to its usual
// environment variable.
func anyllmFactory(ctor func(model string, opts ...anyllmlib.Option) (*anyllm.Provider, error)) func(config.ProviderEntry) (llm.Provider, error) {
	return func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if e.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return ctor(e.Model, opts...)
	}
}

// buildProviders instantiates every provider named in cfg via the registry
// and returns them in an [app.Providers] struct for the application to
// consume. A provider whose name is set but not registered (or that fails to
// construct) is a fatal configuration error; a provider left unnamed is
// simply absent from the returned struct.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
		},
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		if len(cfg.Providers.LLMFallbacks) > 0 {
			fb := resilience.NewLLMFallback(p, name, fbCfg)
			for _, entry := range cfg.Providers.LLMFallbacks {
				fallback, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback provider %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, fallback)
				slog.Info("provider created", "kind", "llm", "name", entry.Name, "role", "fallback")
			}
			ps.LLM = fb
		} else {
			ps.LLM = p
		}
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		if len(cfg.Providers.STTFallbacks) > 0 {
			fb := resilience.NewSTTFallback(p, name, fbCfg)
			for _, entry := range cfg.Providers.STTFallbacks {
				fallback, err := reg.CreateSTT(entry)
				if err != nil {
					return nil, fmt.Errorf("create stt fallback provider %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, fallback)
				slog.Info("provider created", "kind", "stt", "name", entry.Name, "role", "fallback")
			}
			ps.STT = fb
		} else {
			ps.STT = p
		}
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		if len(cfg.Providers.TTSFallbacks) > 0 {
			fb := resilience.NewTTSFallback(p, name, fbCfg)
			for _, entry := range cfg.Providers.TTSFallbacks {
				fallback, err := reg.CreateTTS(entry)
				if err != nil {
					return nil, fmt.Errorf("create tts fallback provider %q: %w", entry.Name, err)
				}
				fb.AddFallback(entry.Name, fallback)
				slog.Info("provider created", "kind", "tts", "name", entry.Name, "role", "fallback")
			}
			ps.TTS = fb
		} else {
			ps.TTS = p
		}
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("vad provider not registered — barge-in will treat every audio frame as a complete utterance", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	if name := cfg.Providers.Vision.Name; name != "" {
		p, err := reg.CreateVision(cfg.Providers.Vision)
		if err != nil {
			return nil, fmt.Errorf("create vision provider %q: %w", name, err)
		}
		ps.Vision = p
		slog.Info("provider created", "kind", "vision", "name", name)
	}

	if ps.LLM == nil || ps.STT == nil || ps.TTS == nil {
		slog.Warn("llm, stt, and tts are not all configured — the server will start but turns will fail at runtime")
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         llmrtcd — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Vision", cfg.Providers.Vision.Name, cfg.Providers.Vision.Model)
	fmt.Printf("║  Playbooks       : %-19d ║\n", len(cfg.Playbooks))
	fmt.Printf("║  Session TTL     : %-19s ║\n", cfg.Session.TTL)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
