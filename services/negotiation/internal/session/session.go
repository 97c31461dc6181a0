// Package session drives the per-job negotiation state machine. A session is
// the single writer for its job: every transition, including the forced ones
// on round-limit or budget failure, is applied atomically under the session
// lock together with its ledger side effect.
package session

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"fedmarket/pkg/protocol"
)

type State string

const (
	StatePending      State = "pending"
	StateCounterOffer State = "counter_offer" // transient within Respond, never persisted
	StateAccepted     State = "accepted"
	StateRejected     State = "rejected"
	StateExpired      State = "expired"
)

func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateExpired:
		return true
	case StatePending, StateCounterOffer:
		return false
	default:
		return false
	}
}

// Forced-rejection reasons. These are negotiation outcomes, not errors.
const (
	ReasonBudgetCeilingExceeded = "budget_ceiling_exceeded"
	ReasonRoundLimitExceeded    = "round_limit_exceeded"
)

var (
	ErrDuplicateJob  = errors.New("job already has a session")
	ErrStateConflict = errors.New("operation illegal for session state")
	ErrExpired       = errors.New("session expired")
	ErrNotFound      = errors.New("session not found")
)

// Ledger is the slice of the privacy ledger a session drives directly.
// Commit belongs to the contract issuer.
type Ledger interface {
	Reserve(agentID, jobID string, budget protocol.PrivacyBudget) error
	Release(jobID string)
}

// Terms is what an accepted negotiation hands to the contract issuer.
type Terms struct {
	JobID         string
	AgentID       string
	AgreedPrice   float64
	AgreedPrivacy protocol.PrivacyBudget
}

// Issuer converts accepted terms into a signed contract, synchronously, so
// no observable state exists where the session is accepted but uncontracted.
type Issuer interface {
	Issue(terms Terms) (protocol.TrainingContract, error)
}

// HistoryEntry is one recorded response. History is append-only and ordered.
type HistoryEntry struct {
	EventID  string                       `json:"event_id"`
	Round    int                          `json:"round"`
	Response protocol.NegotiationResponse `json:"response"`
	At       time.Time                    `json:"at"`
}

type Session struct {
	mu sync.Mutex

	jobID     string
	agentID   string
	state     State
	reason    string
	round     int
	maxRounds int
	proposal  protocol.TrainingProposal
	history   []HistoryEntry
	contract  *protocol.TrainingContract
	createdAt time.Time
	expiresAt time.Time
	roundTTL  time.Duration

	ledger Ledger
	issuer Issuer
	now    func() time.Time
}

// View is an atomic snapshot of session state for callers and stores.
type View struct {
	JobID     string                     `json:"job_id"`
	AgentID   string                     `json:"agent_id"`
	Status    State                      `json:"status"`
	Reason    string                     `json:"reason,omitempty"`
	Round     int                        `json:"round"`
	MaxRounds int                        `json:"max_rounds"`
	Proposal  protocol.TrainingProposal  `json:"proposal"`
	History   []HistoryEntry             `json:"history"`
	Contract  *protocol.TrainingContract `json:"contract,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
	ExpiresAt time.Time                  `json:"expires_at"`
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]HistoryEntry, len(s.history))
	copy(history, s.history)
	v := View{
		JobID:     s.jobID,
		AgentID:   s.agentID,
		Status:    s.state,
		Reason:    s.reason,
		Round:     s.round,
		MaxRounds: s.maxRounds,
		Proposal:  s.proposal,
		History:   history,
		CreatedAt: s.createdAt,
		ExpiresAt: s.expiresAt,
	}
	if s.contract != nil {
		c := *s.contract
		v.Contract = &c
	}
	return v
}

func (s *Session) JobID() string { return s.jobID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Proposal returns the current (merged) proposal exposed to the next
// evaluator call.
func (s *Session) Proposal() protocol.TrainingProposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proposal
}

func (s *Session) Contract() (protocol.TrainingContract, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contract == nil {
		return protocol.TrainingContract{}, false
	}
	return *s.contract, true
}

func (s *Session) record(resp protocol.NegotiationResponse) {
	s.history = append(s.history, HistoryEntry{
		EventID:  ulid.Make().String(),
		Round:    s.round,
		Response: resp,
		At:       s.now().UTC(),
	})
}

// Respond applies one negotiation response. Re-delivery of the response most
// recently recorded is an idempotent no-op; anything else against a terminal
// session is a state conflict.
func (s *Session) Respond(resp protocol.NegotiationResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.history); n > 0 && reflect.DeepEqual(s.history[n-1].Response, resp) {
		return nil
	}
	if s.state == StateExpired {
		return fmt.Errorf("job %s: %w", s.jobID, ErrExpired)
	}
	if s.state.Terminal() {
		return fmt.Errorf("job %s is %s: %w", s.jobID, s.state, ErrStateConflict)
	}
	if resp.JobID != s.jobID {
		return fmt.Errorf("response for job %s delivered to job %s: %w", resp.JobID, s.jobID, ErrStateConflict)
	}
	if err := resp.Validate(); err != nil {
		return err
	}

	switch resp.Status {
	case protocol.StatusAccepted:
		return s.acceptLocked(resp)
	case protocol.StatusRejected:
		s.state = StateRejected
		s.reason = resp.Reason
		s.ledger.Release(s.jobID)
		s.record(resp)
		return nil
	case protocol.StatusCounterOffer:
		return s.counterLocked(resp)
	default:
		return &protocol.ValidationError{Field: "status", Reason: "pending is not a deliverable response"}
	}
}

// acceptLocked issues the contract before the accepted state becomes
// observable. An issuance failure leaves the session in its prior round so
// the caller can redeliver the acceptance.
func (s *Session) acceptLocked(resp protocol.NegotiationResponse) error {
	contract, err := s.issuer.Issue(Terms{
		JobID:         s.jobID,
		AgentID:       s.agentID,
		AgreedPrice:   s.proposal.PaymentOffer,
		AgreedPrivacy: s.proposal.PrivacyBudget,
	})
	if err != nil {
		return err
	}
	s.state = StateAccepted
	s.contract = &contract
	s.record(resp)
	return nil
}

func (s *Session) counterLocked(resp protocol.NegotiationResponse) error {
	merged, err := protocol.ApplyCounter(s.proposal, resp.CounterProposal)
	if err != nil {
		return err
	}

	if s.round+1 > s.maxRounds {
		s.state = StateRejected
		s.reason = ReasonRoundLimitExceeded
		s.ledger.Release(s.jobID)
		s.record(resp)
		return nil
	}
	s.round++

	// Adjust the reservation to the merged budget: release old, reserve new.
	// A failed re-reserve forces rejection rather than erroring out.
	s.ledger.Release(s.jobID)
	if err := s.ledger.Reserve(s.agentID, s.jobID, merged.PrivacyBudget); err != nil {
		s.state = StateRejected
		s.reason = ReasonBudgetCeilingExceeded
		s.record(resp)
		return nil
	}

	s.proposal = merged
	s.state = StatePending
	s.expiresAt = s.now().UTC().Add(s.roundTTL)
	s.record(resp)
	return nil
}

// Expire transitions a non-terminal session to expired and releases its
// reservation. Expiring an already-terminal session is a no-op.
func (s *Session) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateExpired
	s.reason = ""
	s.ledger.Release(s.jobID)
}

// Cancel rejects a non-terminal session with the caller's reason.
func (s *Session) Cancel(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("job %s is %s: %w", s.jobID, s.state, ErrStateConflict)
	}
	s.state = StateRejected
	s.reason = reason
	s.ledger.Release(s.jobID)
	return nil
}

func (s *Session) overdue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.Terminal() && now.After(s.expiresAt)
}
