// Package ledger tracks per-agent differential-privacy expenditure. Epsilon
// is a non-renewable resource: once committed for a job it is spent forever,
// and no mix of commits and live reservations may ever exceed an agent's
// configured ceiling.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"fedmarket/pkg/protocol"
)

var (
	ErrBudgetExceeded = errors.New("privacy budget ceiling exceeded")
	ErrStateConflict  = errors.New("ledger state conflict")
)

type reservation struct {
	agentID string
	budget  protocol.PrivacyBudget
}

type account struct {
	mu               sync.Mutex
	ceiling          float64
	committedEpsilon float64
	committedDelta   float64
	reservedEpsilon  float64
}

// Usage is a point-in-time view of one agent's ledger position.
type Usage struct {
	AgentID          string  `json:"agent_id"`
	Ceiling          float64 `json:"ceiling"`
	CommittedEpsilon float64 `json:"committed_epsilon"`
	CommittedDelta   float64 `json:"committed_delta"`
	ReservedEpsilon  float64 `json:"reserved_epsilon"`
}

// Ledger serializes reserve/commit/release per agent, never globally:
// unrelated agents' negotiations do not contend.
type Ledger struct {
	mu             sync.Mutex
	accounts       map[string]*account
	reservations   map[string]*reservation // keyed by job_id
	commits        map[string]*reservation // keyed by job_id, for rollback
	defaultCeiling float64
	ceilings       map[string]float64
}

func New(defaultCeiling float64, ceilings map[string]float64) *Ledger {
	l := &Ledger{
		accounts:       map[string]*account{},
		reservations:   map[string]*reservation{},
		commits:        map[string]*reservation{},
		defaultCeiling: defaultCeiling,
		ceilings:       map[string]float64{},
	}
	for agentID, c := range ceilings {
		l.ceilings[agentID] = c
	}
	return l
}

func (l *Ledger) acct(agentID string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[agentID]
	if !ok {
		ceiling := l.defaultCeiling
		if c, ok := l.ceilings[agentID]; ok {
			ceiling = c
		}
		a = &account{ceiling: ceiling}
		l.accounts[agentID] = a
	}
	return a
}

// Reserve places a tentative hold of budget.Epsilon against the agent. It
// fails without side effects when committed + reserved + requested would
// breach the ceiling, or when the job already holds a reservation.
func (l *Ledger) Reserve(agentID, jobID string, budget protocol.PrivacyBudget) error {
	if err := budget.Validate(); err != nil {
		return err
	}
	a := l.acct(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()

	l.mu.Lock()
	_, exists := l.reservations[jobID]
	l.mu.Unlock()
	if exists {
		return fmt.Errorf("job %s already holds a reservation: %w", jobID, ErrStateConflict)
	}

	inUse := a.committedEpsilon + a.reservedEpsilon
	if inUse+budget.Epsilon > a.ceiling {
		return fmt.Errorf("agent %s: requested %.6g with %.6g of %.6g in use: %w",
			agentID, budget.Epsilon, inUse, a.ceiling, ErrBudgetExceeded)
	}
	// Re-check under l.mu: a concurrent reserve for the same job against a
	// different agent would not contend on a.mu.
	l.mu.Lock()
	if _, exists := l.reservations[jobID]; exists {
		l.mu.Unlock()
		return fmt.Errorf("job %s already holds a reservation: %w", jobID, ErrStateConflict)
	}
	l.reservations[jobID] = &reservation{agentID: agentID, budget: budget}
	l.mu.Unlock()

	a.reservedEpsilon += budget.Epsilon
	return nil
}

// Release drops the reservation for jobID. Releasing a job with no live
// reservation is a no-op so repeated expire/cancel stays idempotent.
func (l *Ledger) Release(jobID string) {
	l.mu.Lock()
	r, ok := l.reservations[jobID]
	if ok {
		delete(l.reservations, jobID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	a := l.acct(r.agentID)
	a.mu.Lock()
	a.reservedEpsilon -= r.budget.Epsilon
	a.mu.Unlock()
}

// Commit converts the live reservation for jobID into permanent cumulative
// expenditure. Committing a job with no reservation is a state conflict —
// it means the caller is double-committing or committing after release.
func (l *Ledger) Commit(jobID string) error {
	l.mu.Lock()
	r, ok := l.reservations[jobID]
	if ok {
		delete(l.reservations, jobID)
		l.commits[jobID] = r
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no reservation for job %s: %w", jobID, ErrStateConflict)
	}
	a := l.acct(r.agentID)
	a.mu.Lock()
	a.reservedEpsilon -= r.budget.Epsilon
	a.committedEpsilon += r.budget.Epsilon
	a.committedDelta += r.budget.Delta
	a.mu.Unlock()
	return nil
}

// Rollback demotes a commit back to a live reservation. The contract issuer
// uses it as the compensating step when signing fails after a successful
// commit, so a later issuance retry can commit again.
func (l *Ledger) Rollback(jobID string) error {
	l.mu.Lock()
	r, ok := l.commits[jobID]
	if ok {
		delete(l.commits, jobID)
		l.reservations[jobID] = r
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no commit for job %s: %w", jobID, ErrStateConflict)
	}
	a := l.acct(r.agentID)
	a.mu.Lock()
	a.committedEpsilon -= r.budget.Epsilon
	a.committedDelta -= r.budget.Delta
	a.reservedEpsilon += r.budget.Epsilon
	a.mu.Unlock()
	return nil
}

// Usage reports the agent's current position. Sequential composition: the
// committed epsilon is the plain sum of all committed budgets.
func (l *Ledger) Usage(agentID string) Usage {
	a := l.acct(agentID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{
		AgentID:          agentID,
		Ceiling:          a.ceiling,
		CommittedEpsilon: a.committedEpsilon,
		CommittedDelta:   a.committedDelta,
		ReservedEpsilon:  a.reservedEpsilon,
	}
}

// ReservedBudget returns the live reservation for a job, if any.
func (l *Ledger) ReservedBudget(jobID string) (protocol.PrivacyBudget, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[jobID]
	if !ok {
		return protocol.PrivacyBudget{}, false
	}
	return r.budget, true
}
