package authn

import (
	"context"
	"errors"
	"testing"
)

func TestAuthenticateBearer(t *testing.T) {
	store := NewMemoryCredentialStore()
	store.Add("tok_secret", AgentIdentity{AgentID: "agt_hospital", Scopes: []string{"negotiation:respond"}})

	id, err := AuthenticateBearer(context.Background(), store, "Bearer tok_secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.AgentID != "agt_hospital" {
		t.Fatalf("wrong identity: %+v", id)
	}
	if !HasScope(id.Scopes, "negotiation:respond") {
		t.Fatalf("missing scope: %+v", id.Scopes)
	}
}

func TestAuthenticateBearerRejects(t *testing.T) {
	store := NewMemoryCredentialStore()
	store.Add("tok_secret", AgentIdentity{AgentID: "agt_hospital"})

	cases := []string{
		"",
		"Bearer ",
		"Bearer tok_wrong",
		"Basic dXNlcjpwYXNz",
		"tok_secret",
	}
	for _, header := range cases {
		if _, err := AuthenticateBearer(context.Background(), store, header); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("header %q: expected ErrUnauthorized, got %v", header, err)
		}
	}
}

func TestRevokedTokenIsRejected(t *testing.T) {
	store := NewMemoryCredentialStore()
	store.Add("tok_secret", AgentIdentity{AgentID: "agt_hospital"})
	store.Revoke("tok_secret")

	if _, err := AuthenticateBearer(context.Background(), store, "Bearer tok_secret"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revoke, got %v", err)
	}
}
