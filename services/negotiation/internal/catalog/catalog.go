// Package catalog gives the negotiation service read access to published
// data resource profiles, either over HTTP from the catalog service or from
// an in-process map.
package catalog

import (
	"context"
	"errors"
	"sync"

	"fedmarket/pkg/protocol"
)

var ErrNotFound = errors.New("profile not found")

// Catalog resolves the profile an agent published. The pricing policy uses
// the freshness score; a missing profile is not fatal, the caller falls back
// to a zero profile.
type Catalog interface {
	Profile(ctx context.Context, agentID string) (protocol.DataResourceProfile, error)
}

// Memory is the in-process catalog used by tests and single-binary
// deployments.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]protocol.DataResourceProfile
}

func NewMemory() *Memory {
	return &Memory{profiles: map[string]protocol.DataResourceProfile{}}
}

// Publish stores a profile. First publish wins; catalog profiles are
// immutable.
func (m *Memory) Publish(p protocol.DataResourceProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.AgentID]; ok {
		return errors.New("profile already published")
	}
	m.profiles[p.AgentID] = p
	return nil
}

func (m *Memory) Profile(_ context.Context, agentID string) (protocol.DataResourceProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[agentID]
	if !ok {
		return protocol.DataResourceProfile{}, ErrNotFound
	}
	return p, nil
}
