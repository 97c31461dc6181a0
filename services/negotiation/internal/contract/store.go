package contract

import (
	"sync"

	"fedmarket/pkg/protocol"
)

// MemoryStore is the default contract store. Contracts are write-once: Put
// never overwrites an existing entry.
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]protocol.TrainingContract
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: map[string]protocol.TrainingContract{}}
}

func (s *MemoryStore) Get(jobID string) (protocol.TrainingContract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[jobID]
	return c, ok
}

func (s *MemoryStore) Put(c protocol.TrainingContract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contracts[c.JobID]; exists {
		return
	}
	s.contracts[c.JobID] = c
}
