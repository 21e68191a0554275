package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"
)

// Action tags
const (
	ActionTool       = "tool"
	ActionTransition = "transition"
	ActionElicit     = "elicit"
	ActionRespond    = "respond"
)

// Result types
const (
	ResultToolResult     = "tool_result"
	ResultToolError      = "tool_error"
	ResultError          = "error"
	ResultElicitRequired = "elicit_required"
	ResultTransitioned   = "transitioned"
	ResultElicit         = "elicit"
	ResultResponse       = "response"
)

// Action is the tagged record the orchestrator processes.
type Action struct {
	Type    string         `json:"action"`
	Tool    string         `json:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message,omitempty"`
}

// ActionResult is the response sent back for one action.
type ActionResult struct {
	Type    string   `json:"type"`
	Tool    string   `json:"tool,omitempty"`
	Result  any      `json:"result,omitempty"`
	Message string   `json:"message,omitempty"`
	Missing []string `json:"missing,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
	Prompt  string   `json:"prompt,omitempty"`
	Field   string   `json:"field,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// HistoryRecord is one entry of a session's append-only action log.
type HistoryRecord struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`
	From   string         `json:"from,omitempty"`
	To     string         `json:"to,omitempty"`
	At     types.Time     `json:"at"`
}

// SessionInfo is the introspection snapshot of one session.
type SessionInfo struct {
	SessionID       string   `json:"session_id"`
	Workflow        string   `json:"workflow"`
	CurrentStage    string   `json:"current_stage"`
	AvailableTools  []string `json:"available_tools"`
	CanTransitionTo []string `json:"can_transition_to"`
	StateKeys       []string `json:"state_keys"`
	HistoryLength   int      `json:"history_length"`
}

// Orchestrator drives per-session cursors over one workflow. Actions within
// a session are serialized on a per-session sync.Mutex, one at a time;
// waiting actions acquire it in the order the mutex grants, which is not
// strictly arrival order. Sessions are fully independent of each other. History is kept in memory only — the
// backend persists nothing but stage and keyed state.
type Orchestrator struct {
	workflow *Workflow
	store    SessionStore

	histMu  sync.Mutex
	history map[string][]HistoryRecord

	locks sync.Map // session_id -> *sync.Mutex
}

func NewOrchestrator(workflow *Workflow, store SessionStore) *Orchestrator {
	return &Orchestrator{
		workflow: workflow,
		store:    store,
		history:  make(map[string][]HistoryRecord),
	}
}

// Workflow returns the blueprint this orchestrator drives.
func (o *Orchestrator) Workflow() *Workflow {
	return o.workflow
}

// lockSession serializes actions of one session; the order among waiters is
// the order sync.Mutex grants the lock.
func (o *Orchestrator) lockSession(sessionID string) func() {
	muAny, _ := o.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()

	return mu.Unlock
}

// CurrentStage resolves a session's cursor, defaulting to the initial stage
// for new or anonymous sessions. A stage name left behind by an older
// workflow revision falls back to the initial stage.
func (o *Orchestrator) CurrentStage(ctx context.Context, sessionID string) (string, error) {
	if sessionID != "" {
		stage, err := o.store.GetStage(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if stage != "" {
			if _, ok := o.workflow.stages[stage]; ok {
				return stage, nil
			}
		}
	}

	return o.workflow.InitialStage(), nil
}

func (o *Orchestrator) setStage(ctx context.Context, sessionID, stage string) error {
	// Anonymous sessions are pinned to the initial stage; nothing to persist.
	if sessionID == "" {
		return nil
	}

	return o.store.SetStage(ctx, sessionID, stage)
}

// StateFor returns the session's state view. Anonymous sessions get a fresh
// ephemeral state scoped to the request.
func (o *Orchestrator) StateFor(sessionID string) *SessionState {
	if sessionID == "" {
		return NewSessionState(newEphemeralStore(), "")
	}

	return NewSessionState(o.store, sessionID)
}

// ProcessAction runs one tagged action against the session.
func (o *Orchestrator) ProcessAction(ctx context.Context, sessionID string, action Action) (ActionResult, error) {
	unlock := o.lockSession(sessionID)
	defer unlock()

	current, err := o.CurrentStage(ctx, sessionID)
	if err != nil {
		return ActionResult{}, err
	}

	state := o.StateFor(sessionID)

	switch action.Type {
	case ActionTool:
		return o.handleTool(ctx, sessionID, current, state, action)
	case ActionTransition:
		return o.handleTransition(ctx, sessionID, current, state, action.Stage)
	case ActionElicit:
		message := action.Message
		if message == "" {
			message = fmt.Sprintf("Please provide: %s", action.Field)
		}

		return ActionResult{Type: ResultElicit, Field: action.Field, Message: message}, nil
	case ActionRespond:
		return ActionResult{Type: ResultResponse, Message: action.Message}, nil
	default:
		return ActionResult{Type: ResultError, Message: fmt.Sprintf("Unknown action type: %s", action.Type)}, nil
	}
}

func (o *Orchestrator) handleTool(ctx context.Context, sessionID, current string, state *SessionState, action Action) (ActionResult, error) {
	outcome, err := o.workflow.CallTool(ctx, current, action.Tool, action.Args, state)
	if err != nil {
		return ActionResult{}, err
	}

	switch outcome.Type {
	case OutcomeToolResult:
		o.appendHistory(sessionID, HistoryRecord{
			ID:     ulid.Make().String(),
			Action: ActionTool,
			Tool:   outcome.Tool,
			Args:   action.Args,
			Result: outcome.Result,
			At:     types.NewTime(time.Now().UTC()),
		})

		return ActionResult{Type: ResultToolResult, Tool: outcome.Tool, Result: outcome.Result}, nil
	case OutcomeToolError:
		// Failures are returned verbatim and leave no history entry.
		return ActionResult{Type: ResultToolError, Tool: outcome.Tool, Error: outcome.Error}, nil
	default:
		return ActionResult{Type: ResultError, Message: outcome.Message, Allowed: outcome.Available}, nil
	}
}

// handleTransition validates the edge, projects state through the transfer
// policy, advances the cursor, and reports the new stage's entry prompt. The
// prerequisite check runs against the post-projection key set.
func (o *Orchestrator) handleTransition(ctx context.Context, sessionID, current string, state *SessionState, target string) (ActionResult, error) {
	keys, err := state.Keys(ctx)
	if err != nil {
		return ActionResult{}, err
	}

	check, err := o.workflow.ValidateTransition(current, target, keys)
	if err != nil {
		return ActionResult{}, err
	}

	if !check.Valid {
		if len(check.Missing) > 0 {
			return ActionResult{Type: ResultElicitRequired, Message: check.Reason, Missing: check.Missing}, nil
		}

		return ActionResult{Type: ResultError, Message: check.Reason, Allowed: check.Allowed}, nil
	}

	policy := o.workflow.TransferPolicy(current, target)
	projected := policy.Project(keys)
	for _, key := range keys {
		if !slices.Contains(projected, key) {
			if err := state.Delete(ctx, key); err != nil {
				return ActionResult{}, err
			}
		}
	}

	if err := o.setStage(ctx, sessionID, target); err != nil {
		return ActionResult{}, err
	}

	o.appendHistory(sessionID, HistoryRecord{
		ID:     ulid.Make().String(),
		Action: ActionTransition,
		From:   current,
		To:     target,
		At:     types.NewTime(time.Now().UTC()),
	})

	targetStage, err := o.workflow.GetStage(target)
	if err != nil {
		return ActionResult{}, err
	}

	return ActionResult{
		Type:   ResultTransitioned,
		From:   current,
		To:     target,
		Prompt: targetStage.EntryPrompt,
	}, nil
}

func (o *Orchestrator) appendHistory(sessionID string, record HistoryRecord) {
	if sessionID == "" {
		return
	}

	o.histMu.Lock()
	o.history[sessionID] = append(o.history[sessionID], record)
	o.histMu.Unlock()
}

// History returns a copy of the session's action log.
func (o *Orchestrator) History(sessionID string) []HistoryRecord {
	o.histMu.Lock()
	defer o.histMu.Unlock()

	return append([]HistoryRecord(nil), o.history[sessionID]...)
}

// ClearSession drops the in-memory history and the per-session lock. Backend
// state is cleared by the caller via the store.
func (o *Orchestrator) ClearSession(sessionID string) {
	o.histMu.Lock()
	delete(o.history, sessionID)
	o.histMu.Unlock()

	o.locks.Delete(sessionID)
}

// SessionInfo reports the session's cursor, visible tools, and log length.
func (o *Orchestrator) SessionInfo(ctx context.Context, sessionID string) (SessionInfo, error) {
	current, err := o.CurrentStage(ctx, sessionID)
	if err != nil {
		return SessionInfo{}, err
	}

	stage, err := o.workflow.GetStage(current)
	if err != nil {
		return SessionInfo{}, err
	}

	keys, err := o.StateFor(sessionID).Keys(ctx)
	if err != nil {
		return SessionInfo{}, err
	}

	return SessionInfo{
		SessionID:       sessionID,
		Workflow:        o.workflow.Name,
		CurrentStage:    current,
		AvailableTools:  stage.ToolNames(),
		CanTransitionTo: stage.Transitions,
		StateKeys:       keys,
		HistoryLength:   len(o.History(sessionID)),
	}, nil
}
