// Package playbook implements the Playbook Engine: a finite-state overlay
// on the Turn Engine that selects the active stage's prompt, tool set, and
// config before each turn and evaluates transition rules after each turn.
package playbook

import (
	"fmt"
	"strings"
	"time"

	"github.com/llmrtc/llmrtc/pkg/types"
)

// ToolChoice mirrors types.ToolChoice's vocabulary at the stage-config
// level; stages declare it the same way a completion request does.
type ToolChoice = types.ToolChoice

// LLMConfigOverrides carries the subset of completion parameters a stage may
// override relative to the playbook's (or the server's) defaults. Nil/zero
// values mean "inherit". Model, if set, names a provider entry in the
// server's LLM provider registry (internal/turn selects by name); an empty
// Model means "use the default provider".
type LLMConfigOverrides struct {
	Temperature *float64
	MaxTokens   *int
	Model       string
}

// Stage is one node of a Playbook's state machine.
type Stage struct {
	ID           string
	SystemPrompt string

	// Tools, if non-nil, is this stage's own tool set, unioned with the
	// playbook's GlobalTools when resolved.
	Tools []types.ToolDefinition

	ToolChoice types.ToolChoice

	LLM LLMConfigOverrides

	// TwoPhaseExecution defaults to true; set to false to collapse phase 1
	// and phase 2 into a single pass using the tool-loop's text output.
	TwoPhaseExecution *bool

	MaxTurns  int
	TimeoutMs int

	// OnEnter/OnExit are invoked with the session id and the stage id when
	// this stage is entered/exited. Either may be nil.
	OnEnter func(sessionID, stageID string)
	OnExit  func(sessionID, stageID string)
}

// twoPhase reports the stage's effective TwoPhaseExecution, defaulting to
// true when unset.
func (s Stage) twoPhase() bool {
	if s.TwoPhaseExecution == nil {
		return true
	}
	return *s.TwoPhaseExecution
}

// ConditionKind enumerates the recognized transition condition variants.
type ConditionKind string

const (
	ConditionKeyword     ConditionKind = "keyword"
	ConditionIntent      ConditionKind = "intent"
	ConditionToolCall    ConditionKind = "tool_call"
	ConditionToolResult  ConditionKind = "tool_result"
	ConditionLLMDecision ConditionKind = "llm_decision"
	ConditionMaxTurns    ConditionKind = "max_turns"
	ConditionTimeout     ConditionKind = "timeout"
	ConditionCustom      ConditionKind = "custom"
)

// Condition is a tagged union discriminated by Kind; only the fields
// relevant to that kind are read.
type Condition struct {
	Kind ConditionKind

	// ConditionKeyword
	Keywords []string

	// ConditionIntent
	Intent          string
	IntentThreshold float64 // 0 means "no threshold required"

	// ConditionToolCall / ConditionToolResult
	ToolName string
	// ResultPredicate is used by ConditionToolResult: it receives the
	// named tool's result value from the turn just completed and reports
	// whether the condition holds. Nil means "any result counts".
	ResultPredicate func(result any) bool

	// ConditionLLMDecision
	TargetStage string

	// ConditionMaxTurns
	Count int

	// ConditionTimeout
	Duration time.Duration

	// ConditionCustom
	Predicate func(ctx EvalContext) bool
}

// Action is applied when a Transition's condition holds.
type Action struct {
	TargetStage       string
	TransitionMessage string
	// TransitionMessageRole is "system" or "assistant"; defaults to
	// "system" when TransitionMessage is non-empty and this is unset.
	TransitionMessageRole string
	ClearHistory          bool
}

// Transition is one edge of the playbook's state machine.
type Transition struct {
	ID   string
	From string // stage id, or "*" for any stage
	Condition Condition
	Action    Action
	// Priority orders candidate transitions highest-first; ties are broken
	// by declaration order (index within Playbook.Transitions).
	Priority int
}

// Playbook is an immutable finite-state definition.
type Playbook struct {
	ID                 string
	Stages             []Stage
	Transitions        []Transition
	InitialStage       string
	GlobalSystemPrompt string
	GlobalTools        []types.ToolDefinition
	Defaults           LLMConfigOverrides

	stageIndex map[string]int
}

// TransitionPlaybookTool is the synthetic tool name exposed to the LLM when
// any transition of kind llm_decision exists, letting the model request a
// stage change directly.
const TransitionPlaybookTool = "playbook_transition"

// Compile resolves internal lookup indices and must be called once after
// construction (validatePlaybook calls it). Safe to call multiple times.
func (p *Playbook) Compile() {
	p.stageIndex = make(map[string]int, len(p.Stages))
	for i, s := range p.Stages {
		p.stageIndex[s.ID] = i
	}
}

// Stage returns the stage with the given id, or false if absent.
func (p *Playbook) Stage(id string) (Stage, bool) {
	if p.stageIndex == nil {
		p.Compile()
	}
	i, ok := p.stageIndex[id]
	if !ok {
		return Stage{}, false
	}
	return p.Stages[i], true
}

// HasLLMDecisionTransition reports whether any transition uses the
// llm_decision condition kind, in which case the synthetic
// playbook_transition tool must be exposed to the LLM.
func (p *Playbook) HasLLMDecisionTransition() bool {
	for _, t := range p.Transitions {
		if t.Condition.Kind == ConditionLLMDecision {
			return true
		}
	}
	return false
}

// Validate performs the static startup check: initialStage exists; every
// from/targetStage id exists or is "*"; stage ids and transition ids are
// unique.
func (p *Playbook) Validate() error {
	seenStage := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.ID == "" {
			return fmt.Errorf("playbook %q: stage with empty id", p.ID)
		}
		if seenStage[s.ID] {
			return fmt.Errorf("playbook %q: duplicate stage id %q", p.ID, s.ID)
		}
		seenStage[s.ID] = true
	}
	if !seenStage[p.InitialStage] {
		return fmt.Errorf("playbook %q: initialStage %q does not exist", p.ID, p.InitialStage)
	}

	seenTransition := make(map[string]bool, len(p.Transitions))
	for _, t := range p.Transitions {
		if t.ID == "" {
			return fmt.Errorf("playbook %q: transition with empty id", p.ID)
		}
		if seenTransition[t.ID] {
			return fmt.Errorf("playbook %q: duplicate transition id %q", p.ID, t.ID)
		}
		seenTransition[t.ID] = true

		if t.From != "*" && !seenStage[t.From] {
			return fmt.Errorf("playbook %q: transition %q has unknown from stage %q", p.ID, t.ID, t.From)
		}
		target := t.Action.TargetStage
		if t.Condition.Kind == ConditionLLMDecision && target == "" {
			// llm_decision transitions may resolve their target dynamically
			// from the tool call argument; a declared TargetStage is only a
			// default hint and, if present, must still be a real stage.
		}
		if target != "" && target != "*" && !seenStage[target] {
			return fmt.Errorf("playbook %q: transition %q targets unknown stage %q", p.ID, t.ID, target)
		}
	}
	p.Compile()
	return nil
}

// State is the mutable per-session playbook cursor.
type State struct {
	CurrentStage  string
	TurnsInStage  int
	EnteredAt     time.Time
}

// NewState creates the initial state for a playbook.
func NewState(p *Playbook) *State {
	return &State{CurrentStage: p.InitialStage, TurnsInStage: 0, EnteredAt: time.Now()}
}

// ResolvedStage is what the Turn Engine consults before starting a turn.
type ResolvedStage struct {
	SystemPrompt      string
	Tools             []types.ToolDefinition
	ToolChoice        types.ToolChoice
	LLM               LLMConfigOverrides
	TwoPhaseExecution bool
	MaxTurns          int
	TimeoutMs         int
}

// Resolve computes the effective stage configuration the Turn Engine should
// use for the next turn: globalSystemPrompt+stage.systemPrompt, globalTools ∪
// stage.tools (plus the synthetic playbook_transition tool when any
// llm_decision transition exists), the stage's toolChoice, LLM config
// (defaults overridden by stage overrides), and twoPhaseExecution.
func (p *Playbook) Resolve(st *State) (ResolvedStage, error) {
	stage, ok := p.Stage(st.CurrentStage)
	if !ok {
		return ResolvedStage{}, fmt.Errorf("playbook: current stage %q no longer exists", st.CurrentStage)
	}

	prompt := stage.SystemPrompt
	if p.GlobalSystemPrompt != "" {
		if prompt != "" {
			prompt = p.GlobalSystemPrompt + "\n\n" + prompt
		} else {
			prompt = p.GlobalSystemPrompt
		}
	}

	tools := append([]types.ToolDefinition(nil), p.GlobalTools...)
	tools = append(tools, stage.Tools...)
	if p.HasLLMDecisionTransition() {
		tools = append(tools, transitionTool(p, stage.ID))
	}

	cfg := p.Defaults
	if stage.LLM.Temperature != nil {
		cfg.Temperature = stage.LLM.Temperature
	}
	if stage.LLM.MaxTokens != nil {
		cfg.MaxTokens = stage.LLM.MaxTokens
	}
	if stage.LLM.Model != "" {
		cfg.Model = stage.LLM.Model
	}

	toolChoice := stage.ToolChoice
	if toolChoice.Mode == "" {
		toolChoice = types.ToolChoiceAuto
	}

	return ResolvedStage{
		SystemPrompt:      prompt,
		Tools:             tools,
		ToolChoice:        toolChoice,
		LLM:               cfg,
		TwoPhaseExecution: stage.twoPhase(),
		MaxTurns:          stage.MaxTurns,
		TimeoutMs:         stage.TimeoutMs,
	}, nil
}

// transitionTool builds the synthetic playbook_transition tool definition
// exposed to the LLM when an llm_decision transition exists from the given
// stage.
func transitionTool(p *Playbook, fromStage string) types.ToolDefinition {
	var targets []string
	for _, t := range p.Transitions {
		if t.Condition.Kind != ConditionLLMDecision {
			continue
		}
		if t.From != "*" && t.From != fromStage {
			continue
		}
		targets = append(targets, t.Action.TargetStage)
	}
	return types.ToolDefinition{
		Name:        TransitionPlaybookTool,
		Description: "Move the conversation to a different stage of the playbook.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"targetStage": map[string]any{
					"type": "string",
					"enum": targets,
				},
			},
			"required": []string{"targetStage"},
		},
	}
}

// EvalContext carries everything a transition condition needs to evaluate
// against the turn that just completed.
type EvalContext struct {
	FinalReply       string
	Intent           string
	IntentConfidence float64
	ToolCalls        []types.ToolCall
	// ToolResults maps tool name to its result value for every tool
	// executed during the turn (last result wins if called more than once).
	ToolResults map[string]any
	// LLMDecisionTarget is the target stage requested via the synthetic
	// playbook_transition tool, if the LLM invoked it this turn.
	LLMDecisionTarget string
	State             *State
	Now               time.Time
}

// FiredTransition describes the single transition that fired, if any.
type FiredTransition struct {
	Transition Transition
	Reason     string
}

// Evaluate runs transitions whose From matches the current stage (or "*"),
// in priority order (higher first, ties by declaration order), and returns
// the first whose condition holds. Only one transition fires per turn.
func (p *Playbook) Evaluate(ec EvalContext) (*FiredTransition, bool) {
	type candidate struct {
		t   Transition
		idx int
	}
	var candidates []candidate
	for i, t := range p.Transitions {
		if t.From != "*" && t.From != ec.State.CurrentStage {
			continue
		}
		candidates = append(candidates, candidate{t, i})
	}
	// Stable sort by priority desc, then declaration order asc.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0; j-- {
			a, b := candidates[j-1], candidates[j]
			if a.t.Priority < b.t.Priority {
				candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
				continue
			}
			break
		}
	}

	for _, c := range candidates {
		if reason, ok := evalCondition(c.t.Condition, ec); ok {
			return &FiredTransition{Transition: c.t, Reason: reason}, true
		}
	}
	return nil, false
}

func evalCondition(c Condition, ec EvalContext) (reason string, matched bool) {
	switch c.Kind {
	case ConditionKeyword:
		lower := strings.ToLower(ec.FinalReply)
		for _, kw := range c.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return "keyword:" + kw, true
			}
		}
		return "", false

	case ConditionIntent:
		if ec.Intent != c.Intent {
			return "", false
		}
		if c.IntentThreshold > 0 && ec.IntentConfidence < c.IntentThreshold {
			return "", false
		}
		return "intent:" + c.Intent, true

	case ConditionToolCall:
		for _, tc := range ec.ToolCalls {
			if tc.Name == c.ToolName {
				return "tool_call:" + c.ToolName, true
			}
		}
		return "", false

	case ConditionToolResult:
		result, ok := ec.ToolResults[c.ToolName]
		if !ok {
			return "", false
		}
		if c.ResultPredicate != nil && !c.ResultPredicate(result) {
			return "", false
		}
		return "tool_result:" + c.ToolName, true

	case ConditionLLMDecision:
		if ec.LLMDecisionTarget == "" {
			return "", false
		}
		if c.TargetStage != "" && c.TargetStage != ec.LLMDecisionTarget {
			return "", false
		}
		return "llm_decision:" + ec.LLMDecisionTarget, true

	case ConditionMaxTurns:
		if ec.State.TurnsInStage >= c.Count {
			return fmt.Sprintf("max_turns:%d", c.Count), true
		}
		return "", false

	case ConditionTimeout:
		if ec.Now.Sub(ec.State.EnteredAt) >= c.Duration {
			return fmt.Sprintf("timeout:%s", c.Duration), true
		}
		return "", false

	case ConditionCustom:
		if c.Predicate != nil && c.Predicate(ec) {
			return "custom", true
		}
		return "", false

	default:
		return "", false
	}
}

// Apply mutates st to reflect a fired transition: sets the new current
// stage, resets the turns-in-stage counter, and stamps enteredAt. It does
// not run onEnter/onExit hooks or append the transition message — callers
// (internal/turn) own event emission and History mutation and call the
// stage's hooks themselves so that logging/observer wiring stays in one
// place.
func (st *State) Apply(ft *FiredTransition) {
	st.CurrentStage = ft.Transition.Action.TargetStage
	st.TurnsInStage = 0
	st.EnteredAt = time.Now()
}

// IncrementTurn bumps the turns-in-stage counter; called once per completed
// turn before transition evaluation.
func (st *State) IncrementTurn() { st.TurnsInStage++ }
