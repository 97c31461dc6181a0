package idempotency

import (
	"context"
	"errors"
	"testing"
)

type failingStore struct{ getErr error }

func (f *failingStore) GetIdempotencyRecord(ctx context.Context, agentID, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	return 0, nil, false, f.getErr
}

func (f *failingStore) SaveIdempotencyRecord(ctx context.Context, agentID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	return nil
}

func TestReplayNoKeyNoop(t *testing.T) {
	st := NewMemoryStore()
	_, _, replayed, err := Replay(context.Background(), st, AgentContext{
		AgentID:        "agt_1",
		IdempotencyKey: "",
	}, "POST /negotiation/proposals")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if replayed {
		t.Fatalf("expected replayed=false without key")
	}
}

func TestSaveThenReplayReturnsSamePayload(t *testing.T) {
	st := NewMemoryStore()
	agent := AgentContext{AgentID: "agt_1", IdempotencyKey: "k1"}
	resp := map[string]any{"request_id": "req_1", "status": "pending"}

	if err := Save(context.Background(), st, agent, "POST /negotiation/proposals", 201, resp); err != nil {
		t.Fatalf("save err: %v", err)
	}

	status, body, replayed, err := Replay(context.Background(), st, agent, "POST /negotiation/proposals")
	if err != nil {
		t.Fatalf("replay err: %v", err)
	}
	if !replayed {
		t.Fatalf("expected replayed=true")
	}
	if status != 201 {
		t.Fatalf("expected status 201, got %d", status)
	}
	if body["request_id"] != "req_1" || body["status"] != "pending" {
		t.Fatalf("unexpected replay body: %+v", body)
	}
}

func TestFirstSaveWins(t *testing.T) {
	st := NewMemoryStore()
	agent := AgentContext{AgentID: "agt_1", IdempotencyKey: "k1"}
	endpoint := "POST /negotiation/proposals"

	if err := Save(context.Background(), st, agent, endpoint, 201, map[string]any{"n": 1}); err != nil {
		t.Fatalf("save err: %v", err)
	}
	if err := Save(context.Background(), st, agent, endpoint, 500, map[string]any{"n": 2}); err != nil {
		t.Fatalf("save err: %v", err)
	}
	status, body, _, err := Replay(context.Background(), st, agent, endpoint)
	if err != nil {
		t.Fatalf("replay err: %v", err)
	}
	if status != 201 || body["n"] != 1 {
		t.Fatalf("second save must not overwrite: %d %+v", status, body)
	}
}

func TestKeysAreScopedPerAgentAndEndpoint(t *testing.T) {
	st := NewMemoryStore()
	a := AgentContext{AgentID: "agt_a", IdempotencyKey: "k1"}
	b := AgentContext{AgentID: "agt_b", IdempotencyKey: "k1"}

	if err := Save(context.Background(), st, a, "POST /x", 201, map[string]any{"who": "a"}); err != nil {
		t.Fatalf("save err: %v", err)
	}
	if _, _, replayed, _ := Replay(context.Background(), st, b, "POST /x"); replayed {
		t.Fatalf("key must not leak across agents")
	}
	if _, _, replayed, _ := Replay(context.Background(), st, a, "POST /y"); replayed {
		t.Fatalf("key must not leak across endpoints")
	}
}

func TestReplayStoreError(t *testing.T) {
	st := &failingStore{getErr: errors.New("db down")}
	_, _, replayed, err := Replay(context.Background(), st, AgentContext{
		AgentID:        "agt_1",
		IdempotencyKey: "k1",
	}, "POST /negotiation/proposals")
	if replayed {
		t.Fatalf("expected replayed=false on error")
	}
	if err == nil {
		t.Fatalf("expected error")
	}
}
