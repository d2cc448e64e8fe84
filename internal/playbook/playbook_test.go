package playbook

import (
	"testing"
	"time"
)

func greetingTriagePlaybook() *Playbook {
	p := &Playbook{
		ID: "support",
		Stages: []Stage{
			{ID: "greeting", SystemPrompt: "Greet the caller."},
			{ID: "triage", SystemPrompt: "Triage the issue."},
		},
		Transitions: []Transition{
			{
				ID:   "to-triage",
				From: "greeting",
				Condition: Condition{
					Kind:     ConditionKeyword,
					Keywords: []string{"order"},
				},
				Action: Action{TargetStage: "triage"},
			},
		},
		InitialStage: "greeting",
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

func TestValidateAcceptsWellFormedPlaybook(t *testing.T) {
	p := greetingTriagePlaybook()
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsUnknownInitialStage(t *testing.T) {
	p := &Playbook{
		ID:           "bad",
		Stages:       []Stage{{ID: "a"}},
		InitialStage: "nope",
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for unknown initialStage")
	}
}

func TestValidateRejectsUnknownTransitionTarget(t *testing.T) {
	p := &Playbook{
		ID:           "bad",
		Stages:       []Stage{{ID: "a"}},
		InitialStage: "a",
		Transitions: []Transition{
			{ID: "t1", From: "a", Condition: Condition{Kind: ConditionMaxTurns, Count: 1}, Action: Action{TargetStage: "missing"}},
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for unknown transition target")
	}
}

func TestValidateRejectsDuplicateStageIDs(t *testing.T) {
	p := &Playbook{
		Stages:       []Stage{{ID: "a"}, {ID: "a"}},
		InitialStage: "a",
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for duplicate stage ids")
	}
}

// TestKeywordTransitionFires exercises a keyword-triggered stage transition.
func TestKeywordTransitionFires(t *testing.T) {
	p := greetingTriagePlaybook()
	st := NewState(p)

	fired, ok := p.Evaluate(EvalContext{
		FinalReply: "Sure, I can help you track your order today.",
		State:      st,
		Now:        time.Now(),
	})
	if !ok {
		t.Fatal("expected the keyword transition to fire")
	}
	if fired.Transition.Action.TargetStage != "triage" {
		t.Fatalf("expected target stage triage, got %q", fired.Transition.Action.TargetStage)
	}
	if fired.Reason != "keyword:order" {
		t.Fatalf("expected reason 'keyword:order', got %q", fired.Reason)
	}

	st.Apply(fired)
	if st.CurrentStage != "triage" {
		t.Fatalf("expected state to move to triage, got %q", st.CurrentStage)
	}
	if st.TurnsInStage != 0 {
		t.Fatalf("expected turns-in-stage reset to 0, got %d", st.TurnsInStage)
	}
}

func TestNoTransitionFiresWithoutKeyword(t *testing.T) {
	p := greetingTriagePlaybook()
	st := NewState(p)

	_, ok := p.Evaluate(EvalContext{FinalReply: "Hello there!", State: st, Now: time.Now()})
	if ok {
		t.Fatal("expected no transition to fire")
	}
}

// TestPriorityMaximalWithTieBreak verifies Testable Property 7: the fired
// transition is the priority-maximal matching one, ties broken by
// declaration order.
func TestPriorityMaximalWithTieBreak(t *testing.T) {
	p := &Playbook{
		Stages:       []Stage{{ID: "a"}, {ID: "low"}, {ID: "high"}, {ID: "first"}},
		InitialStage: "a",
		Transitions: []Transition{
			{ID: "low-prio", From: "a", Priority: 1, Condition: Condition{Kind: ConditionKeyword, Keywords: []string{"x"}}, Action: Action{TargetStage: "low"}},
			{ID: "high-prio", From: "a", Priority: 5, Condition: Condition{Kind: ConditionKeyword, Keywords: []string{"x"}}, Action: Action{TargetStage: "high"}},
			{ID: "first-declared", From: "a", Priority: 5, Condition: Condition{Kind: ConditionKeyword, Keywords: []string{"x"}}, Action: Action{TargetStage: "first"}},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	st := NewState(p)

	fired, ok := p.Evaluate(EvalContext{FinalReply: "contains x", State: st, Now: time.Now()})
	if !ok {
		t.Fatal("expected a transition to fire")
	}
	// high-prio and first-declared tie at priority 5, declared before
	// first-declared, so high-prio must win.
	if fired.Transition.ID != "high-prio" {
		t.Fatalf("expected highest-priority, earliest-declared transition to win, got %q", fired.Transition.ID)
	}
}

func TestMaxTurnsTransition(t *testing.T) {
	p := &Playbook{
		Stages:       []Stage{{ID: "a"}, {ID: "b"}},
		InitialStage: "a",
		Transitions: []Transition{
			{ID: "t1", From: "a", Condition: Condition{Kind: ConditionMaxTurns, Count: 3}, Action: Action{TargetStage: "b"}},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	st := NewState(p)
	st.TurnsInStage = 2

	if _, ok := p.Evaluate(EvalContext{State: st, Now: time.Now()}); ok {
		t.Fatal("expected no transition before reaching max_turns")
	}
	st.TurnsInStage = 3
	fired, ok := p.Evaluate(EvalContext{State: st, Now: time.Now()})
	if !ok || fired.Transition.Action.TargetStage != "b" {
		t.Fatal("expected max_turns transition to fire at the configured count")
	}
}

func TestResolveUnionsGlobalAndStageTools(t *testing.T) {
	p := greetingTriagePlaybook()
	p.GlobalSystemPrompt = "Be concise."
	st := NewState(p)

	resolved, err := p.Resolve(st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.SystemPrompt != "Be concise.\n\nGreet the caller." {
		t.Fatalf("unexpected resolved prompt: %q", resolved.SystemPrompt)
	}
	if resolved.ToolChoice.Mode != "auto" {
		t.Fatalf("expected default tool choice auto, got %+v", resolved.ToolChoice)
	}
	if !resolved.TwoPhaseExecution {
		t.Fatal("expected two-phase execution to default true")
	}
}

func TestLLMDecisionExposesTransitionTool(t *testing.T) {
	p := &Playbook{
		Stages:       []Stage{{ID: "a"}, {ID: "b"}},
		InitialStage: "a",
		Transitions: []Transition{
			{ID: "t1", From: "a", Condition: Condition{Kind: ConditionLLMDecision, TargetStage: "b"}, Action: Action{TargetStage: "b"}},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	st := NewState(p)
	resolved, err := p.Resolve(st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, tool := range resolved.Tools {
		if tool.Name == TransitionPlaybookTool {
			found = true
		}
	}
	if !found {
		t.Fatal("expected playbook_transition tool to be exposed when an llm_decision transition exists")
	}
}
