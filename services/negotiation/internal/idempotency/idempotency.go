// Package idempotency replays stored responses for retried negotiation
// requests carrying an Idempotency-Key header.
package idempotency

import (
	"context"
	"sync"
)

type AgentContext struct {
	AgentID        string
	IdempotencyKey string
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, agentID, idempotencyKey, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, agentID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error
}

// Replay returns the stored response for this key, if any. A request without
// a key is never replayed.
func Replay(ctx context.Context, st Store, agent AgentContext, endpoint string) (int, map[string]any, bool, error) {
	if agent.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, agent.AgentID, agent.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, agent AgentContext, endpoint string, status int, response map[string]any) error {
	if agent.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, agent.AgentID, agent.IdempotencyKey, endpoint, status, response)
}

// MemoryStore backs idempotency when the service runs without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	status int
	body   map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]memoryRecord{}}
}

func memoryKey(agentID, idempotencyKey, endpoint string) string {
	return agentID + "\x00" + idempotencyKey + "\x00" + endpoint
}

func (m *MemoryStore) GetIdempotencyRecord(_ context.Context, agentID, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memoryKey(agentID, idempotencyKey, endpoint)]
	if !ok {
		return 0, nil, false, nil
	}
	return rec.status, rec.body, true, nil
}

func (m *MemoryStore) SaveIdempotencyRecord(_ context.Context, agentID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(agentID, idempotencyKey, endpoint)
	if _, ok := m.records[key]; ok {
		return nil
	}
	m.records[key] = memoryRecord{status: responseStatus, body: responseBody}
	return nil
}
