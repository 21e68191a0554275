package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rakunlabs/concierge/internal/service"
)

// Memory is the in-process implementation of the session store. A single
// mutex guards both the stage map and the state map so Clear is atomic for
// concurrent readers. Data does not survive process restarts.
type Memory struct {
	mu        sync.RWMutex
	stages    map[string]string                     // session_id -> stage
	state     map[string]map[string]json.RawMessage // session_id -> key -> JSON value
	lastWrite map[string]time.Time                  // session_id -> last stage/state write
}

func New() *Memory {
	slog.Info("using in-memory state backend (data will not persist across restarts)")

	return &Memory{
		stages:    make(map[string]string),
		state:     make(map[string]map[string]json.RawMessage),
		lastWrite: make(map[string]time.Time),
	}
}

func (m *Memory) Close() {}

func (m *Memory) GetStage(_ context.Context, sessionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.stages[sessionID], nil
}

func (m *Memory) SetStage(_ context.Context, sessionID, stage string) error {
	m.mu.Lock()
	m.stages[sessionID] = stage
	m.lastWrite[sessionID] = time.Now().UTC()
	m.mu.Unlock()

	return nil
}

func (m *Memory) DeleteStage(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.stages, sessionID)
	m.mu.Unlock()

	return nil
}

func (m *Memory) Get(_ context.Context, sessionID, key string) (any, error) {
	m.mu.RLock()
	raw, ok := m.state[sessionID][key]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("unmarshal state %s/%s: %w", sessionID, key, err)
	}

	return value, nil
}

func (m *Memory) Set(_ context.Context, sessionID, key string, value any) error {
	// Round-trip through JSON to match the relational backends (normalize
	// zero values, reject unencodable values before touching state).
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s", service.ErrSerialization, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state[sessionID] == nil {
		m.state[sessionID] = make(map[string]json.RawMessage)
	}
	m.state[sessionID][key] = raw
	m.lastWrite[sessionID] = time.Now().UTC()

	return nil
}

func (m *Memory) Delete(_ context.Context, sessionID, key string) error {
	m.mu.Lock()
	delete(m.state[sessionID], key)
	m.mu.Unlock()

	return nil
}

func (m *Memory) Keys(_ context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.state[sessionID]))
	for k := range m.state[sessionID] {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys, nil
}

func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.stages, sessionID)
	delete(m.state, sessionID)
	delete(m.lastWrite, sessionID)
	m.mu.Unlock()

	return nil
}

func (m *Memory) EvictBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted int64
	for sessionID, last := range m.lastWrite {
		if last.Before(cutoff) {
			delete(m.stages, sessionID)
			delete(m.state, sessionID)
			delete(m.lastWrite, sessionID)
			evicted++
		}
	}

	return evicted, nil
}
