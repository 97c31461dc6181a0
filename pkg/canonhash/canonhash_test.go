package canonhash

import (
	"strings"
	"testing"
)

func TestSumObjectDeterministicForSameState(t *testing.T) {
	a := map[string]any{
		"job_id": "job_1",
		"agreed_privacy": map[string]any{
			"epsilon": 1.0,
			"delta":   1e-5,
		},
	}
	b := map[string]any{
		"agreed_privacy": map[string]any{
			"delta":   1e-5,
			"epsilon": 1.0,
		},
		"job_id": "job_1",
	}

	ha, _, err := SumObject(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hb, _, err := SumObject(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected same hash, got %s vs %s", ha, hb)
	}
	if !strings.HasPrefix(ha, "sha256:") {
		t.Fatalf("expected sha256 prefix, got %s", ha)
	}
}

func TestSumObjectChangesWhenStateChanges(t *testing.T) {
	ha, _, _ := SumObject(map[string]any{"agreed_price": 15.0})
	hb, _, _ := SumObject(map[string]any{"agreed_price": 16.0})
	if ha == hb {
		t.Fatalf("expected different hashes")
	}
}

func TestSum256HexMatchesSumObject(t *testing.T) {
	v := map[string]any{"job_id": "job_1"}
	prefixed, _, err := SumObject(v)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	bare, _, err := Sum256Hex(v)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if prefixed != "sha256:"+bare {
		t.Fatalf("hash forms disagree: %s vs %s", prefixed, bare)
	}
}
