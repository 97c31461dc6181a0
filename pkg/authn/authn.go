// Package authn authenticates federated agents by bearer token. Tokens are
// never stored: credentials are looked up by SHA-256 hash.
package authn

import (
	"context"
	"errors"
	"strings"
	"sync"

	"fedmarket/pkg/canonhash"
)

var ErrUnauthorized = errors.New("unauthorized")

type AgentIdentity struct {
	AgentID string
	Scopes  []string
}

// CredentialStore resolves a token hash to the agent holding it. Lookups for
// unknown or revoked tokens return ErrUnauthorized.
type CredentialStore interface {
	LookupCredential(ctx context.Context, tokenHash string) (AgentIdentity, error)
}

// AuthenticateBearer parses an Authorization header and resolves the token
// against the store.
func AuthenticateBearer(ctx context.Context, store CredentialStore, authorization string) (AgentIdentity, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return AgentIdentity{}, ErrUnauthorized
	}
	return store.LookupCredential(ctx, HashToken(token))
}

func HasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}

// HashToken is the canonical token digest used across stores.
func HashToken(token string) string {
	return canonhash.HashStringSHA256Hex(token)
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// MemoryCredentialStore is the in-process store used by tests and by
// deployments without Postgres.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]AgentIdentity
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: map[string]AgentIdentity{}}
}

// Add registers a plaintext token for an agent.
func (m *MemoryCredentialStore) Add(token string, identity AgentIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[HashToken(token)] = identity
}

func (m *MemoryCredentialStore) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, HashToken(token))
}

func (m *MemoryCredentialStore) LookupCredential(_ context.Context, tokenHash string) (AgentIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.creds[tokenHash]
	if !ok {
		return AgentIdentity{}, ErrUnauthorized
	}
	return id, nil
}
