package session

import (
	"fmt"
	"sync"
	"time"

	"fedmarket/pkg/protocol"
)

// Config bounds every session the registry opens.
type Config struct {
	MaxRounds int
	RoundTTL  time.Duration
}

const (
	DefaultMaxRounds = 5
	DefaultRoundTTL  = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.RoundTTL <= 0 {
		c.RoundTTL = DefaultRoundTTL
	}
	return c
}

// Registry owns every session keyed by job_id, live and archived alike, so a
// job_id can never be reused.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg    Config
	ledger Ledger
	issuer Issuer
	now    func() time.Time
}

func NewRegistry(cfg Config, ledger Ledger, issuer Issuer) *Registry {
	return &Registry{
		sessions: map[string]*Session{},
		cfg:      cfg.withDefaults(),
		ledger:   ledger,
		issuer:   issuer,
		now:      time.Now,
	}
}

func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Open validates the initial proposal, registers the session, and reserves
// the requested budget against the data-holding agent. A failed reservation
// fails closed: the session is terminal rejected before it ever turns
// pending, but the job_id stays burned.
func (r *Registry) Open(agentID string, proposal protocol.TrainingProposal) (*Session, error) {
	proposal = proposal.WithDefaults()
	if err := proposal.Validate(); err != nil {
		return nil, err
	}
	if agentID == "" {
		return nil, &protocol.ValidationError{Field: "agent_id", Reason: "required"}
	}

	now := r.now().UTC()
	s := &Session{
		jobID:     proposal.JobID,
		agentID:   agentID,
		state:     StatePending,
		round:     1,
		maxRounds: r.cfg.MaxRounds,
		proposal:  proposal,
		createdAt: now,
		expiresAt: now.Add(r.cfg.RoundTTL),
		roundTTL:  r.cfg.RoundTTL,
		ledger:    r.ledger,
		issuer:    r.issuer,
		now:       r.now,
	}

	r.mu.Lock()
	if _, exists := r.sessions[proposal.JobID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("job %s: %w", proposal.JobID, ErrDuplicateJob)
	}
	r.sessions[proposal.JobID] = s
	r.mu.Unlock()

	if err := r.ledger.Reserve(agentID, proposal.JobID, proposal.PrivacyBudget); err != nil {
		s.mu.Lock()
		s.state = StateRejected
		s.reason = ReasonBudgetCeilingExceeded
		s.mu.Unlock()
	}
	return s, nil
}

func (r *Registry) Get(jobID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return s, nil
}

// Respond routes a response to its session.
func (r *Registry) Respond(jobID string, resp protocol.NegotiationResponse) (*Session, error) {
	s, err := r.Get(jobID)
	if err != nil {
		return nil, err
	}
	if err := s.Respond(resp); err != nil {
		return s, err
	}
	return s, nil
}

// ExpireOverdue expires every non-terminal session whose deadline has
// passed, returning the affected job ids.
func (r *Registry) ExpireOverdue(now time.Time) []string {
	r.mu.Lock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	var expired []string
	for _, s := range candidates {
		if s.overdue(now) {
			s.Expire()
			expired = append(expired, s.jobID)
		}
	}
	return expired
}
