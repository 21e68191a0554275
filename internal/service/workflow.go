// Package service implements the workflow engine: stage/tool blueprints, the
// per-session orchestrator, the staged tool filter with its synthetic tools,
// and the widget bridge. Protocol binding lives in Concierge (concierge.go);
// storage behind the SessionStore contract (state.go).
package service

import (
	"context"
	"fmt"
	"slices"
)

// ToolHandler executes one tool against the session's state. Handlers may
// perform I/O; cancellation arrives through the context. State writes already
// committed when a handler is cancelled persist — handlers should be
// idempotent or write their final state in a single Set call.
type ToolHandler func(ctx context.Context, state *SessionState, args map[string]any) (any, error)

// Tool is an immutable tool definition with its JSON Schema declared as data.
type Tool struct {
	Name         string
	Title        string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Handler      ToolHandler
}

// TransferMode says how session state crosses a transition.
type TransferMode int

const (
	// TransferAll copies the whole key set into the new stage. This is also
	// the default for transitions with no declared policy.
	TransferAll TransferMode = iota
	// TransferIsolate enters the new stage with fresh, empty state.
	TransferIsolate
	// TransferKeys copies only the listed keys.
	TransferKeys
)

// StateTransfer is the per-transition state policy.
type StateTransfer struct {
	Mode TransferMode
	Keys []string
}

func Isolate() StateTransfer {
	return StateTransfer{Mode: TransferIsolate}
}

func Transfer(keys ...string) StateTransfer {
	return StateTransfer{Mode: TransferKeys, Keys: keys}
}

func TransferAllState() StateTransfer {
	return StateTransfer{Mode: TransferAll}
}

// Project returns the keys that survive the transition under this policy.
func (t StateTransfer) Project(keys []string) []string {
	switch t.Mode {
	case TransferIsolate:
		return nil
	case TransferKeys:
		var kept []string
		for _, k := range keys {
			if slices.Contains(t.Keys, k) {
				kept = append(kept, k)
			}
		}
		return kept
	default:
		return keys
	}
}

// Stage is a named set of tools with outbound transitions and optional entry
// prerequisites. Immutable after the workflow is built.
type Stage struct {
	Name          string
	Description   string
	EntryPrompt   string
	Transitions   []string
	Prerequisites []string

	tools     []*Tool
	toolIndex map[string]*Tool
}

// Tools returns the stage's tools in registration order.
func (s *Stage) Tools() []*Tool {
	return s.tools
}

// Tool returns the named tool, or nil.
func (s *Stage) Tool(name string) *Tool {
	return s.toolIndex[name]
}

// ToolNames returns the tool names in registration order.
func (s *Stage) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name)
	}

	return names
}

// CanTransitionTo reports whether to is an allowed outbound transition.
func (s *Stage) CanTransitionTo(to string) bool {
	return slices.Contains(s.Transitions, to)
}

// Terminal reports whether the stage has no outbound transitions.
func (s *Stage) Terminal() bool {
	return len(s.Transitions) == 0
}

// MissingPrerequisites returns the prerequisite keys absent from keys.
func (s *Stage) MissingPrerequisites(keys []string) []string {
	var missing []string
	for _, p := range s.Prerequisites {
		if !slices.Contains(keys, p) {
			missing = append(missing, p)
		}
	}

	return missing
}

// Workflow is the immutable blueprint: ordered stages, a designated initial
// stage, and per-transition state policies. Built once at startup via the
// Builder; shared freely across sessions afterwards.
type Workflow struct {
	Name        string
	Description string

	stages   map[string]*Stage
	order    []string
	initial  string
	policies map[string]StateTransfer // "from\x00to" -> policy
}

func policyKey(from, to string) string {
	return from + "\x00" + to
}

// InitialStage returns the name of the workflow's entry stage.
func (w *Workflow) InitialStage() string {
	return w.initial
}

// StageNames returns the stage names in declaration order.
func (w *Workflow) StageNames() []string {
	return w.order
}

// GetStage returns a stage by name.
func (w *Workflow) GetStage(name string) (*Stage, error) {
	stage, ok := w.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in workflow %q", ErrUnknownStage, name, w.Name)
	}

	return stage, nil
}

// CanTransition is a pure adjacency lookup.
func (w *Workflow) CanTransition(from, to string) bool {
	stage, ok := w.stages[from]
	if !ok {
		return false
	}

	return stage.CanTransitionTo(to)
}

// TransferPolicy returns the declared policy for the edge, defaulting to
// TRANSFER_ALL when no policy was declared.
func (w *Workflow) TransferPolicy(from, to string) StateTransfer {
	if p, ok := w.policies[policyKey(from, to)]; ok {
		return p
	}

	return TransferAllState()
}

// TransitionCheck is the outcome of ValidateTransition.
type TransitionCheck struct {
	Valid   bool
	Reason  string
	Allowed []string // set when the adjacency was invalid
	Missing []string // set when prerequisites were unmet
}

// ValidateTransition checks the adjacency and the target's prerequisites.
// Prerequisites are evaluated against the key set as it will look after the
// edge's transfer policy is applied.
func (w *Workflow) ValidateTransition(from, to string, stateKeys []string) (TransitionCheck, error) {
	fromStage, err := w.GetStage(from)
	if err != nil {
		return TransitionCheck{}, err
	}

	if !fromStage.CanTransitionTo(to) {
		return TransitionCheck{
			Valid:   false,
			Reason:  fmt.Sprintf("Cannot transition from '%s' to '%s'", from, to),
			Allowed: fromStage.Transitions,
		}, nil
	}

	target, err := w.GetStage(to)
	if err != nil {
		return TransitionCheck{}, err
	}

	projected := w.TransferPolicy(from, to).Project(stateKeys)
	if missing := target.MissingPrerequisites(projected); len(missing) > 0 {
		return TransitionCheck{
			Valid:   false,
			Reason:  fmt.Sprintf("Stage '%s' requires: %v", to, missing),
			Missing: missing,
		}, nil
	}

	return TransitionCheck{Valid: true}, nil
}

// ToolOutcome is the structured result of a workflow tool call.
type ToolOutcome struct {
	Type      string   `json:"type"` // tool_result | tool_error | error
	Tool      string   `json:"tool,omitempty"`
	Result    any      `json:"result,omitempty"`
	Error     string   `json:"error,omitempty"`
	Message   string   `json:"message,omitempty"`
	Available []string `json:"available,omitempty"`
}

const (
	OutcomeToolResult = "tool_result"
	OutcomeToolError  = "tool_error"
	OutcomeError      = "error"
)

// CallTool executes a tool in a specific stage. A handler error is reported
// as a tool_error outcome, never as a crashed session. Calling a tool that is
// not in the stage yields an error outcome listing the available tools.
func (w *Workflow) CallTool(ctx context.Context, stageName, toolName string, args map[string]any, state *SessionState) (ToolOutcome, error) {
	stage, err := w.GetStage(stageName)
	if err != nil {
		return ToolOutcome{}, err
	}

	tool := stage.Tool(toolName)
	if tool == nil {
		return ToolOutcome{
			Type:      OutcomeError,
			Message:   fmt.Sprintf("Tool '%s' not found in stage '%s'", toolName, stageName),
			Available: stage.ToolNames(),
		}, nil
	}

	result, err := tool.Handler(ctx, state, args)
	if err != nil {
		return ToolOutcome{
			Type:  OutcomeToolError,
			Tool:  toolName,
			Error: err.Error(),
		}, nil
	}

	return ToolOutcome{
		Type:   OutcomeToolResult,
		Tool:   toolName,
		Result: result,
	}, nil
}
