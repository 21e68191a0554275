package memory

import (
	"context"
	"testing"
	"time"
)

func TestSessionStageRoundtrip(t *testing.T) {
	ctx := context.Background()
	backend := New()

	if err := backend.SetStage(ctx, "s1", "onboarding"); err != nil {
		t.Fatalf("set stage: %v", err)
	}

	stage, err := backend.GetStage(ctx, "s1")
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if stage != "onboarding" {
		t.Errorf("expected stage %q, got %q", "onboarding", stage)
	}
}

func TestSessionStageReturnsEmptyWhenUnset(t *testing.T) {
	backend := New()

	stage, err := backend.GetStage(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if stage != "" {
		t.Errorf("expected empty stage, got %q", stage)
	}
}

func TestSessionStageOverwrite(t *testing.T) {
	ctx := context.Background()
	backend := New()

	backend.SetStage(ctx, "s1", "stage_a") //nolint:errcheck
	backend.SetStage(ctx, "s1", "stage_b") //nolint:errcheck

	stage, _ := backend.GetStage(ctx, "s1")
	if stage != "stage_b" {
		t.Errorf("expected stage %q, got %q", "stage_b", stage)
	}
}

func TestDeleteSessionStage(t *testing.T) {
	ctx := context.Background()
	backend := New()

	backend.SetStage(ctx, "s1", "active") //nolint:errcheck
	if err := backend.DeleteStage(ctx, "s1"); err != nil {
		t.Fatalf("delete stage: %v", err)
	}

	stage, _ := backend.GetStage(ctx, "s1")
	if stage != "" {
		t.Errorf("expected empty stage after delete, got %q", stage)
	}
}

func TestDeleteNonexistentStageIsSafe(t *testing.T) {
	backend := New()

	if err := backend.DeleteStage(context.Background(), "nonexistent"); err != nil {
		t.Errorf("delete nonexistent stage: %v", err)
	}

	// Idempotence: a second delete yields the same state.
	if err := backend.DeleteStage(context.Background(), "nonexistent"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestStateRoundtrip(t *testing.T) {
	ctx := context.Background()
	backend := New()

	if err := backend.Set(ctx, "s1", "user_name", "Alice"); err != nil {
		t.Fatalf("set state: %v", err)
	}

	value, err := backend.Get(ctx, "s1", "user_name")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if value != "Alice" {
		t.Errorf("expected %q, got %v", "Alice", value)
	}
}

func TestStateRoundtripNormalizesThroughJSON(t *testing.T) {
	ctx := context.Background()
	backend := New()

	if err := backend.Set(ctx, "s1", "cart", map[string]any{"symbol": "AAPL", "quantity": 10}); err != nil {
		t.Fatalf("set state: %v", err)
	}

	value, err := backend.Get(ctx, "s1", "cart")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}

	cart, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", value)
	}
	if cart["symbol"] != "AAPL" {
		t.Errorf("expected symbol AAPL, got %v", cart["symbol"])
	}
	// Numbers come back as float64, matching the relational backends.
	if cart["quantity"] != float64(10) {
		t.Errorf("expected quantity 10, got %v (%T)", cart["quantity"], cart["quantity"])
	}
}

func TestStateReturnsNilWhenUnset(t *testing.T) {
	backend := New()

	value, err := backend.Get(context.Background(), "s1", "missing_key")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if value != nil {
		t.Errorf("expected nil for missing key, got %v", value)
	}
}

func TestStateSerializationError(t *testing.T) {
	backend := New()

	err := backend.Set(context.Background(), "s1", "bad", make(chan int))
	if err == nil {
		t.Fatal("expected serialization error for channel value")
	}

	// The failed write leaves state unchanged.
	value, _ := backend.Get(context.Background(), "s1", "bad")
	if value != nil {
		t.Errorf("expected no value after failed set, got %v", value)
	}
}

func TestStateIsolationBetweenSessions(t *testing.T) {
	ctx := context.Background()
	backend := New()

	backend.Set(ctx, "s1", "key", "value_1") //nolint:errcheck
	backend.Set(ctx, "s2", "key", "value_2") //nolint:errcheck

	v1, _ := backend.Get(ctx, "s1", "key")
	v2, _ := backend.Get(ctx, "s2", "key")

	if v1 != "value_1" {
		t.Errorf("expected value_1, got %v", v1)
	}
	if v2 != "value_2" {
		t.Errorf("expected value_2, got %v", v2)
	}
}

func TestKeysSorted(t *testing.T) {
	ctx := context.Background()
	backend := New()

	backend.Set(ctx, "s1", "quantity", 10)     //nolint:errcheck
	backend.Set(ctx, "s1", "symbol", "AAPL")   //nolint:errcheck
	backend.Set(ctx, "s1", "account", "cash")  //nolint:errcheck

	keys, err := backend.Keys(ctx, "s1")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}

	want := []string{"account", "quantity", "symbol"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("expected key %q at %d, got %q", k, i, keys[i])
		}
	}
}

func TestDeleteKey(t *testing.T) {
	ctx := context.Background()
	backend := New()

	backend.Set(ctx, "s1", "symbol", "AAPL") //nolint:errcheck
	if err := backend.Delete(ctx, "s1", "symbol"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	value, _ := backend.Get(ctx, "s1", "symbol")
	if value != nil {
		t.Errorf("expected nil after delete, got %v", value)
	}
}

func TestClearSessionRemovesStageAndState(t *testing.T) {
	ctx := context.Background()
	backend := New()

	backend.SetStage(ctx, "s1", "active")  //nolint:errcheck
	backend.Set(ctx, "s1", "counter", 42)  //nolint:errcheck

	if err := backend.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	stage, _ := backend.GetStage(ctx, "s1")
	if stage != "" {
		t.Errorf("expected empty stage after clear, got %q", stage)
	}
	value, _ := backend.Get(ctx, "s1", "counter")
	if value != nil {
		t.Errorf("expected nil state after clear, got %v", value)
	}

	// Idempotence: clearing twice yields the same state as once.
	if err := backend.Clear(ctx, "s1"); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

func TestClearSessionDoesNotAffectOtherSessions(t *testing.T) {
	ctx := context.Background()
	backend := New()

	backend.Set(ctx, "s1", "key", "val1") //nolint:errcheck
	backend.Set(ctx, "s2", "key", "val2") //nolint:errcheck

	backend.Clear(ctx, "s1") //nolint:errcheck

	value, _ := backend.Get(ctx, "s2", "key")
	if value != "val2" {
		t.Errorf("expected val2, got %v", value)
	}
}

func TestEvictBefore(t *testing.T) {
	ctx := context.Background()
	backend := New()

	backend.SetStage(ctx, "old", "browse")  //nolint:errcheck
	backend.Set(ctx, "old", "symbol", "A")  //nolint:errcheck

	// Everything written so far is older than a future cutoff.
	evicted, err := backend.EvictBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if evicted != 1 {
		t.Errorf("expected 1 evicted session, got %d", evicted)
	}

	stage, _ := backend.GetStage(ctx, "old")
	if stage != "" {
		t.Errorf("expected evicted session to have no stage, got %q", stage)
	}

	// A cutoff in the past evicts nothing.
	backend.SetStage(ctx, "fresh", "browse") //nolint:errcheck
	evicted, _ = backend.EvictBefore(ctx, time.Now().Add(-time.Minute))
	if evicted != 0 {
		t.Errorf("expected 0 evicted sessions, got %d", evicted)
	}
}
