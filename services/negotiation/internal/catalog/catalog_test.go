package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"fedmarket/pkg/protocol"
)

func sampleProfile() protocol.DataResourceProfile {
	return protocol.DataResourceProfile{
		AgentID:            "agt_hospital",
		DataSize:           50000,
		Features:           []string{"age", "bmi"},
		LabelDistribution:  map[string]int64{"positive": 4000, "negative": 46000},
		DataFreshnessScore: 0.8,
	}
}

func TestMemoryPublishOnce(t *testing.T) {
	m := NewMemory()
	if err := m.Publish(sampleProfile()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := m.Publish(sampleProfile()); err == nil {
		t.Fatalf("second publish must fail")
	}
	p, err := m.Profile(context.Background(), "agt_hospital")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.DataFreshnessScore != 0.8 {
		t.Fatalf("wrong profile: %+v", p)
	}
}

func TestMemoryUnknownAgent(t *testing.T) {
	m := NewMemory()
	if _, err := m.Profile(context.Background(), "agt_missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRejectsInvalidProfile(t *testing.T) {
	m := NewMemory()
	bad := sampleProfile()
	bad.DataFreshnessScore = 1.5
	if err := m.Publish(bad); err == nil {
		t.Fatalf("invalid profile must not publish")
	}
}

func TestClientReadsProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/catalog/agents/agt_hospital/profile" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{
			"request_id": "req_x",
			"profile": {
				"profile": {
					"agent_id": "agt_hospital",
					"data_size": 50000,
					"features": ["age"],
					"label_distribution": {"positive": 1},
					"data_freshness_score": 0.8
				},
				"published_at": "2026-01-02T03:04:05Z"
			}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	p, err := c.Profile(context.Background(), "agt_hospital")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.AgentID != "agt_hospital" || p.DataFreshnessScore != 0.8 {
		t.Fatalf("wrong profile: %+v", p)
	}

	if _, err := c.Profile(context.Background(), "agt_missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
