package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/llmrtc/llmrtc/internal/app"
	"github.com/llmrtc/llmrtc/internal/config"
	"github.com/llmrtc/llmrtc/pkg/types"

	llmmock "github.com/llmrtc/llmrtc/pkg/provider/llm/mock"
	sttmock "github.com/llmrtc/llmrtc/pkg/provider/stt/mock"
	ttsmock "github.com/llmrtc/llmrtc/pkg/provider/tts/mock"
	vadmock "github.com/llmrtc/llmrtc/pkg/provider/vad/mock"
	visionmock "github.com/llmrtc/llmrtc/pkg/provider/vision/mock"
)

// testConfig returns a minimal, valid config for wiring an App in tests.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Session: config.SessionConfig{
			TTL:           time.Minute,
			EvictInterval: 10 * time.Millisecond,
			HistoryLimit:  10,
		},
		Retry: config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}
}

// testProviders returns a full set of mock providers.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM:    &llmmock.Provider{},
		STT:    &sttmock.Provider{},
		TTS:    &ttsmock.Provider{},
		VAD:    &vadmock.Engine{},
		Vision: &visionmock.Provider{},
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
	if application.Sessions() == nil {
		t.Error("Sessions() returned nil")
	}
	if application.ToolHost() == nil {
		t.Error("ToolHost() returned nil")
	}
}

func TestNew_NoOptionalProviders(t *testing.T) {
	t.Parallel()

	providers := &app.Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{},
	}

	application, err := app.New(context.Background(), testConfig(), providers)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_CompilesPlaybookWithKnownTool(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Playbooks = []config.PlaybookConfig{
		{
			ID:                 "front_desk",
			InitialStage:       "greet",
			GlobalSystemPrompt: "be polite",
			Stages: []config.StageConfig{
				{ID: "greet", SystemPrompt: "welcome the caller", MaxTurns: 5},
				{ID: "booking", SystemPrompt: "take the booking details", Tools: []string{"write_file"}},
			},
			Transitions: []config.TransitionConfig{
				{
					ID:   "to_booking",
					From: "greet",
					Condition: config.ConditionConfig{
						Kind:     "keyword",
						Keywords: []string{"book a room"},
					},
					Action: config.ActionConfig{TargetStage: "booking"},
				},
			},
		},
	}

	application, err := app.New(context.Background(), cfg, testProviders())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	pb, ok := application.Playbook("front_desk")
	if !ok {
		t.Fatal("Playbook(\"front_desk\") not found")
	}
	if pb.InitialStage != "greet" {
		t.Errorf("InitialStage = %q, want %q", pb.InitialStage, "greet")
	}
	if len(pb.Stages) != 2 || pb.Stages[0].ID != "greet" || pb.Stages[1].ID != "booking" ||
		len(pb.Stages[1].Tools) != 1 || pb.Stages[1].Tools[0].Name != "write_file" {
		t.Errorf("unexpected stages: %+v", pb.Stages)
	}
	if len(pb.Transitions) != 1 || pb.Transitions[0].Condition.Kind != "keyword" {
		t.Errorf("unexpected transitions: %+v", pb.Transitions)
	}
}

func TestNew_PlaybookWithUnknownToolFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Playbooks = []config.PlaybookConfig{
		{
			ID:           "broken",
			InitialStage: "only",
			Stages: []config.StageConfig{
				{ID: "only", Tools: []string{"does_not_exist"}},
			},
		},
	}

	_, err := app.New(context.Background(), cfg, testProviders())
	if err == nil {
		t.Fatal("expected error for unknown tool reference, got nil")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// Shutdown must be idempotent: a second call should not block or error.
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give Run a moment to start its listener and eviction loop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestToolChoiceFromString(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Playbooks = []config.PlaybookConfig{
		{
			ID:           "choice",
			InitialStage: "s1",
			Stages: []config.StageConfig{
				{ID: "s1", ToolChoice: "none"},
				{ID: "s2", ToolChoice: "required"},
				{ID: "s3", ToolChoice: ""},
			},
		},
	}

	application, err := app.New(context.Background(), cfg, testProviders())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	pb, ok := application.Playbook("choice")
	if !ok {
		t.Fatal("playbook not found")
	}
	want := []types.ToolChoice{types.ToolChoiceNone, types.ToolChoiceRequired, types.ToolChoiceAuto}
	for i, st := range pb.Stages {
		if st.ToolChoice != want[i] {
			t.Errorf("stage %d ToolChoice = %+v, want %+v", i, st.ToolChoice, want[i])
		}
	}
}
