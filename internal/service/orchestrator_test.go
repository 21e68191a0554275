package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rakunlabs/concierge/internal/service"
	"github.com/rakunlabs/concierge/internal/store/memory"
)

func TestProcessToolActionWritesHistory(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	result, err := orch.ProcessAction(ctx, "A", service.Action{
		Type: service.ActionTool,
		Tool: "search",
		Args: map[string]any{"symbol": "AAPL"},
	})
	if err != nil {
		t.Fatalf("process action: %v", err)
	}

	if result.Type != service.ResultToolResult {
		t.Fatalf("expected tool_result, got %q", result.Type)
	}

	history := orch.History("A")
	if len(history) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(history))
	}
	if history[0].Tool != "search" {
		t.Errorf("expected history tool search, got %q", history[0].Tool)
	}
}

func TestProcessToolActionFailureLeavesNoHistory(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	result, err := orch.ProcessAction(ctx, "A", service.Action{Type: service.ActionTool, Tool: "fail"})
	if err != nil {
		t.Fatalf("process action: %v", err)
	}

	if result.Type != service.ResultToolError {
		t.Fatalf("expected tool_error, got %q", result.Type)
	}
	if len(orch.History("A")) != 0 {
		t.Error("failed tool call must not be recorded in history")
	}
}

func TestStateVisibleToSubsequentCalls(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	_, err := orch.ProcessAction(ctx, "A", service.Action{
		Type: service.ActionTool,
		Tool: "add_to_cart",
		Args: map[string]any{"symbol": "AAPL", "quantity": 10},
	})
	if err != nil {
		t.Fatalf("add_to_cart: %v", err)
	}

	value, err := orch.StateFor("A").Get(ctx, "symbol")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if value != "AAPL" {
		t.Errorf("expected AAPL, got %v", value)
	}
}

func TestTransitionBlockedByPrerequisites(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	result, err := orch.ProcessAction(ctx, "A", service.Action{Type: service.ActionTransition, Stage: "transact"})
	if err != nil {
		t.Fatalf("process action: %v", err)
	}

	if result.Type != service.ResultElicitRequired {
		t.Fatalf("expected elicit_required, got %q", result.Type)
	}
	if len(result.Missing) != 2 {
		t.Errorf("expected missing [symbol quantity], got %v", result.Missing)
	}

	// The cursor must not have moved.
	current, _ := orch.CurrentStage(ctx, "A")
	if current != "browse" {
		t.Errorf("expected stage browse, got %q", current)
	}
}

func TestTransitionInvalidAdjacency(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	result, err := orch.ProcessAction(ctx, "A", service.Action{Type: service.ActionTransition, Stage: "browse"})
	if err != nil {
		t.Fatalf("process action: %v", err)
	}

	if result.Type != service.ResultError {
		t.Fatalf("expected error, got %q", result.Type)
	}
	if len(result.Allowed) != 2 {
		t.Errorf("expected allowed [transact portfolio], got %v", result.Allowed)
	}
}

func TestTransitionSatisfied(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	_, err := orch.ProcessAction(ctx, "A", service.Action{
		Type: service.ActionTool,
		Tool: "add_to_cart",
		Args: map[string]any{"symbol": "AAPL", "quantity": 10},
	})
	if err != nil {
		t.Fatalf("add_to_cart: %v", err)
	}

	result, err := orch.ProcessAction(ctx, "A", service.Action{Type: service.ActionTransition, Stage: "transact"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	if result.Type != service.ResultTransitioned {
		t.Fatalf("expected transitioned, got %+v", result)
	}
	if result.From != "browse" || result.To != "transact" {
		t.Errorf("expected browse -> transact, got %s -> %s", result.From, result.To)
	}
	if result.Prompt == "" {
		t.Error("expected the target stage entry prompt")
	}

	current, _ := orch.CurrentStage(ctx, "A")
	if current != "transact" {
		t.Errorf("expected stage transact, got %q", current)
	}

	// Transition recorded in history after the tool call.
	history := orch.History("A")
	if len(history) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(history))
	}
	if history[1].Action != service.ActionTransition {
		t.Errorf("expected transition record, got %q", history[1].Action)
	}
}

func TestTransitionAppliesTransferPolicy(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())
	state := orch.StateFor("A")

	// symbol/quantity survive browse -> transact, note does not.
	for key, value := range map[string]any{"symbol": "AAPL", "quantity": 10, "note": "x"} {
		if err := state.Set(ctx, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	result, err := orch.ProcessAction(ctx, "A", service.Action{Type: service.ActionTransition, Stage: "transact"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if result.Type != service.ResultTransitioned {
		t.Fatalf("expected transitioned, got %+v", result)
	}

	keys, _ := state.Keys(ctx)
	if len(keys) != 2 {
		t.Errorf("expected [quantity symbol] after transfer, got %v", keys)
	}
	note, _ := state.Get(ctx, "note")
	if note != nil {
		t.Errorf("expected note dropped by transfer policy, got %v", note)
	}
}

func TestElicitAndRespondActions(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	elicit, err := orch.ProcessAction(ctx, "A", service.Action{Type: service.ActionElicit, Field: "symbol"})
	if err != nil {
		t.Fatalf("elicit: %v", err)
	}
	if elicit.Type != service.ResultElicit || elicit.Field != "symbol" {
		t.Errorf("unexpected elicit result: %+v", elicit)
	}
	if elicit.Message == "" {
		t.Error("expected generated elicitation message")
	}

	respond, err := orch.ProcessAction(ctx, "A", service.Action{Type: service.ActionRespond, Message: "done"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if respond.Type != service.ResultResponse || respond.Message != "done" {
		t.Errorf("unexpected respond result: %+v", respond)
	}
}

func TestUnknownActionType(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	result, err := orch.ProcessAction(ctx, "A", service.Action{Type: "jump"})
	if err != nil {
		t.Fatalf("process action: %v", err)
	}
	if result.Type != service.ResultError {
		t.Errorf("expected error for unknown action, got %q", result.Type)
	}
}

func TestCrossSessionIndependence(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	// Advance session A to transact.
	if _, err := orch.ProcessAction(ctx, "A", service.Action{
		Type: service.ActionTool, Tool: "add_to_cart",
		Args: map[string]any{"symbol": "AAPL", "quantity": 10},
	}); err != nil {
		t.Fatalf("add_to_cart A: %v", err)
	}
	if _, err := orch.ProcessAction(ctx, "A", service.Action{Type: service.ActionTransition, Stage: "transact"}); err != nil {
		t.Fatalf("transition A: %v", err)
	}

	// Session B runs concurrently and independently.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.ProcessAction(ctx, "B", service.Action{ //nolint:errcheck
				Type: service.ActionTool, Tool: "search",
				Args: map[string]any{"symbol": "GOOG"},
			})
		}()
	}
	wg.Wait()

	stageA, _ := orch.CurrentStage(ctx, "A")
	stageB, _ := orch.CurrentStage(ctx, "B")
	if stageA != "transact" {
		t.Errorf("expected A at transact, got %q", stageA)
	}
	if stageB != "browse" {
		t.Errorf("expected B at browse, got %q", stageB)
	}

	if symbol, _ := orch.StateFor("B").Get(ctx, "symbol"); symbol != nil {
		t.Errorf("expected B state untouched by A, got symbol=%v", symbol)
	}
}

func TestAnonymousSessionPinnedToInitialStage(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	orch := service.NewOrchestrator(stockWorkflow(t), backend)

	current, err := orch.CurrentStage(ctx, "")
	if err != nil {
		t.Fatalf("current stage: %v", err)
	}
	if current != "browse" {
		t.Errorf("expected browse, got %q", current)
	}

	// Tool calls work but never touch the shared backend.
	result, err := orch.ProcessAction(ctx, "", service.Action{
		Type: service.ActionTool, Tool: "add_to_cart",
		Args: map[string]any{"symbol": "AAPL", "quantity": 1},
	})
	if err != nil {
		t.Fatalf("process action: %v", err)
	}
	if result.Type != service.ResultToolResult {
		t.Fatalf("expected tool_result, got %+v", result)
	}

	keys, _ := backend.Keys(ctx, "")
	if len(keys) != 0 {
		t.Errorf("anonymous session leaked state into the backend: %v", keys)
	}
}

func TestClearSessionDropsHistory(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	if _, err := orch.ProcessAction(ctx, "A", service.Action{
		Type: service.ActionTool, Tool: "search", Args: map[string]any{"symbol": "AAPL"},
	}); err != nil {
		t.Fatalf("search: %v", err)
	}

	orch.ClearSession("A")

	if len(orch.History("A")) != 0 {
		t.Error("expected empty history after clear")
	}
}

func TestSessionInfo(t *testing.T) {
	ctx := context.Background()
	orch := service.NewOrchestrator(stockWorkflow(t), memory.New())

	if _, err := orch.ProcessAction(ctx, "A", service.Action{
		Type: service.ActionTool, Tool: "add_to_cart",
		Args: map[string]any{"symbol": "AAPL", "quantity": 10},
	}); err != nil {
		t.Fatalf("add_to_cart: %v", err)
	}

	info, err := orch.SessionInfo(ctx, "A")
	if err != nil {
		t.Fatalf("session info: %v", err)
	}

	if info.CurrentStage != "browse" {
		t.Errorf("expected browse, got %q", info.CurrentStage)
	}
	if info.Workflow != "stock_exchange" {
		t.Errorf("expected stock_exchange, got %q", info.Workflow)
	}
	if len(info.AvailableTools) != 4 {
		t.Errorf("expected 4 tools, got %v", info.AvailableTools)
	}
	if info.HistoryLength != 1 {
		t.Errorf("expected history length 1, got %d", info.HistoryLength)
	}
	if len(info.StateKeys) != 2 {
		t.Errorf("expected [quantity symbol], got %v", info.StateKeys)
	}
}
