package session_test

import (
	"errors"
	"testing"
	"time"

	"fedmarket/pkg/protocol"
	"fedmarket/services/negotiation/internal/ledger"
	"fedmarket/services/negotiation/internal/session"
)

type fakeIssuer struct {
	issued []session.Terms
	err    error
}

func (f *fakeIssuer) Issue(terms session.Terms) (protocol.TrainingContract, error) {
	if f.err != nil {
		return protocol.TrainingContract{}, f.err
	}
	f.issued = append(f.issued, terms)
	return protocol.TrainingContract{
		JobID:            terms.JobID,
		AgentID:          terms.AgentID,
		AgreedPrice:      terms.AgreedPrice,
		AgreedPrivacy:    terms.AgreedPrivacy,
		DigitalSignature: "sig_test",
	}, nil
}

func proposal(jobID string, epsilon, payment float64) protocol.TrainingProposal {
	return protocol.TrainingProposal{
		JobID:         jobID,
		JobType:       protocol.JobTraining,
		PrivacyBudget: protocol.PrivacyBudget{Epsilon: epsilon, Delta: 1e-5, ClippingNorm: 1},
		PaymentOffer:  payment,
		Rounds:        1,
	}
}

func counter(jobID string, fields map[string]float64) protocol.NegotiationResponse {
	return protocol.NegotiationResponse{
		JobID:           jobID,
		Status:          protocol.StatusCounterOffer,
		CounterProposal: fields,
	}
}

func newRegistry(maxRounds int, ceiling float64) (*session.Registry, *ledger.Ledger, *fakeIssuer) {
	l := ledger.New(ceiling, nil)
	issuer := &fakeIssuer{}
	r := session.NewRegistry(session.Config{MaxRounds: maxRounds, RoundTTL: time.Minute}, l, issuer)
	return r, l, issuer
}

func TestOpenValidatesAndReserves(t *testing.T) {
	r, l, _ := newRegistry(3, 10)

	s, err := r.Open("agt_1", proposal("job_1", 1.0, 10))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != session.StatePending {
		t.Fatalf("expected pending, got %s", s.State())
	}
	if u := l.Usage("agt_1"); u.ReservedEpsilon != 1.0 {
		t.Fatalf("budget not reserved: %+v", u)
	}

	if _, err := r.Open("agt_1", proposal("", 1, 1)); err == nil {
		t.Fatalf("expected validation error for missing job_id")
	}
	var verr *protocol.ValidationError
	if _, err := r.Open("agt_1", proposal("job_bad", -1, 1)); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestOpenDuplicateJobFails(t *testing.T) {
	r, _, _ := newRegistry(3, 10)
	if _, err := r.Open("agt_1", proposal("job_1", 1, 10)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := r.Open("agt_1", proposal("job_1", 0.5, 5)); !errors.Is(err, session.ErrDuplicateJob) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}
}

// Scenario: the agent's ceiling is already fully committed, so the opening
// reservation fails closed and the session never turns pending.
func TestOpenFailsClosedWhenCeilingCommitted(t *testing.T) {
	r, l, _ := newRegistry(3, 2.0)
	if err := l.Reserve("agt_1", "job_prior", protocol.PrivacyBudget{Epsilon: 2.0, Delta: 1e-5, ClippingNorm: 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Commit("job_prior"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	s, err := r.Open("agt_1", proposal("job_1", 0.5, 10))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v := s.View()
	if v.Status != session.StateRejected || v.Reason != session.ReasonBudgetCeilingExceeded {
		t.Fatalf("expected forced rejection, got %+v", v)
	}
	// The job id stays burned even though the session was stillborn.
	if _, err := r.Open("agt_1", proposal("job_1", 0.1, 10)); !errors.Is(err, session.ErrDuplicateJob) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}
}

// Scenario: a counter raising the payment re-enters pending at round 2 with
// the merged proposal exposed for the next evaluator call.
func TestCounterMergesAndAdvancesRound(t *testing.T) {
	r, _, _ := newRegistry(3, 10)
	s, err := r.Open("agt_1", proposal("job_1", 1.0, 10))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Respond(counter("job_1", map[string]float64{"payment_offer": 15})); err != nil {
		t.Fatalf("respond: %v", err)
	}
	v := s.View()
	if v.Status != session.StatePending || v.Round != 2 {
		t.Fatalf("expected pending round 2, got status=%s round=%d", v.Status, v.Round)
	}
	if v.Proposal.PaymentOffer != 15 || v.Proposal.PrivacyBudget.Epsilon != 1.0 {
		t.Fatalf("merged proposal wrong: %+v", v.Proposal)
	}
	if len(v.History) != 1 || v.History[0].Round != 2 {
		t.Fatalf("history not recorded: %+v", v.History)
	}
}

// Scenario: accepting the countered terms issues the contract synchronously
// with the merged price and the original epsilon.
func TestAcceptIssuesContract(t *testing.T) {
	r, l, issuer := newRegistry(3, 10)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))
	if err := s.Respond(counter("job_1", map[string]float64{"payment_offer": 15})); err != nil {
		t.Fatalf("counter: %v", err)
	}

	if err := s.Respond(protocol.NegotiationResponse{JobID: "job_1", Status: protocol.StatusAccepted}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.State() != session.StateAccepted {
		t.Fatalf("expected accepted, got %s", s.State())
	}
	c, ok := s.Contract()
	if !ok {
		t.Fatalf("accepted session has no contract")
	}
	if c.AgreedPrice != 15 || c.AgreedPrivacy.Epsilon != 1.0 {
		t.Fatalf("unexpected contract: %+v", c)
	}
	if len(issuer.issued) != 1 {
		t.Fatalf("expected exactly one issuance, got %d", len(issuer.issued))
	}
	// Ledger reservation was adjusted across the counter, never dropped.
	if u := l.Usage("agt_1"); u.ReservedEpsilon != 1.0 {
		t.Fatalf("reservation lost during negotiation: %+v", u)
	}
}

func TestRejectionReleasesReservation(t *testing.T) {
	r, l, _ := newRegistry(3, 10)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	resp := protocol.NegotiationResponse{JobID: "job_1", Status: protocol.StatusRejected, Reason: "price_below_minimum"}
	if err := s.Respond(resp); err != nil {
		t.Fatalf("reject: %v", err)
	}
	v := s.View()
	if v.Status != session.StateRejected || v.Reason != "price_below_minimum" {
		t.Fatalf("unexpected state: %+v", v)
	}
	if u := l.Usage("agt_1"); u.ReservedEpsilon != 0 {
		t.Fatalf("reservation not released: %+v", u)
	}
}

// Scenario: successive counter-offers exhaust max_rounds and force a
// terminal rejection regardless of offer content.
func TestRoundLimitForcesRejection(t *testing.T) {
	r, l, _ := newRegistry(3, 100)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	terminal := false
	for i := 0; i < 4; i++ {
		err := s.Respond(counter("job_1", map[string]float64{"payment_offer": float64(11 + i)}))
		v := s.View()
		if v.Round > 3 {
			t.Fatalf("round counter exceeded max_rounds: %d", v.Round)
		}
		if v.Status == session.StateRejected {
			terminal = true
			if v.Reason != session.ReasonRoundLimitExceeded {
				t.Fatalf("unexpected reason %q", v.Reason)
			}
			if err != nil && !errors.Is(err, session.ErrStateConflict) {
				t.Fatalf("post-terminal counter: %v", err)
			}
			break
		}
		if err != nil {
			t.Fatalf("counter %d: %v", i, err)
		}
	}
	if !terminal {
		t.Fatalf("session never hit the round limit")
	}
	if u := l.Usage("agt_1"); u.ReservedEpsilon != 0 {
		t.Fatalf("reservation not released on forced rejection: %+v", u)
	}
	// Any further response is a state conflict, never a crash.
	err := s.Respond(counter("job_1", map[string]float64{"payment_offer": 99}))
	if !errors.Is(err, session.ErrStateConflict) {
		t.Fatalf("expected state conflict after forced rejection, got %v", err)
	}
}

func TestCounterBeyondCeilingForcesRejection(t *testing.T) {
	r, l, _ := newRegistry(5, 2.0)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	// Raising epsilon above the agent's remaining budget cannot re-reserve.
	if err := s.Respond(counter("job_1", map[string]float64{"epsilon": 5.0})); err != nil {
		t.Fatalf("counter: %v", err)
	}
	v := s.View()
	if v.Status != session.StateRejected || v.Reason != session.ReasonBudgetCeilingExceeded {
		t.Fatalf("expected forced budget rejection, got %+v", v)
	}
	if u := l.Usage("agt_1"); u.ReservedEpsilon != 0 {
		t.Fatalf("reservation leaked: %+v", u)
	}
}

func TestCounterWithUnknownFieldRejectedWithoutStateChange(t *testing.T) {
	r, _, _ := newRegistry(3, 10)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	var verr *protocol.ValidationError
	err := s.Respond(counter("job_1", map[string]float64{"data_size": 99}))
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	v := s.View()
	if v.Status != session.StatePending || v.Round != 1 || len(v.History) != 0 {
		t.Fatalf("failed counter must not change state: %+v", v)
	}
}

func TestIdenticalRedeliveryIsIdempotent(t *testing.T) {
	r, _, _ := newRegistry(5, 10)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	c := counter("job_1", map[string]float64{"payment_offer": 15})
	if err := s.Respond(c); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := s.Respond(c); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	v := s.View()
	if v.Round != 2 {
		t.Fatalf("redelivery double-counted the round: %d", v.Round)
	}
	if len(v.History) != 1 {
		t.Fatalf("redelivery appended to history: %d entries", len(v.History))
	}

	// Redelivering a terminal acceptance is also a no-op, not a conflict.
	accept := protocol.NegotiationResponse{JobID: "job_1", Status: protocol.StatusAccepted}
	if err := s.Respond(accept); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := s.Respond(accept); err != nil {
		t.Fatalf("accept redelivery: %v", err)
	}
}

func TestRespondJobMismatchConflicts(t *testing.T) {
	r, _, _ := newRegistry(3, 10)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))
	err := s.Respond(protocol.NegotiationResponse{JobID: "job_other", Status: protocol.StatusAccepted})
	if !errors.Is(err, session.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestExpireReleasesAndIsIdempotent(t *testing.T) {
	r, l, _ := newRegistry(3, 10)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	s.Expire()
	if s.State() != session.StateExpired {
		t.Fatalf("expected expired, got %s", s.State())
	}
	if u := l.Usage("agt_1"); u.ReservedEpsilon != 0 {
		t.Fatalf("reservation not released on expiry: %+v", u)
	}
	s.Expire() // no-op

	err := s.Respond(protocol.NegotiationResponse{JobID: "job_1", Status: protocol.StatusAccepted})
	if !errors.Is(err, session.ErrExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestCancelReleasesWithReason(t *testing.T) {
	r, l, _ := newRegistry(3, 10)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	if err := s.Cancel("requester_withdrew"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	v := s.View()
	if v.Status != session.StateRejected || v.Reason != "requester_withdrew" {
		t.Fatalf("unexpected state: %+v", v)
	}
	if u := l.Usage("agt_1"); u.ReservedEpsilon != 0 {
		t.Fatalf("reservation not released on cancel: %+v", u)
	}
	if err := s.Cancel("again"); !errors.Is(err, session.ErrStateConflict) {
		t.Fatalf("expected conflict cancelling terminal session, got %v", err)
	}
}

func TestIssuerFailureLeavesSessionRetryable(t *testing.T) {
	l := ledger.New(10, nil)
	issuer := &fakeIssuer{err: errors.New("hsm unavailable")}
	r := session.NewRegistry(session.Config{MaxRounds: 3, RoundTTL: time.Minute}, l, issuer)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	accept := protocol.NegotiationResponse{JobID: "job_1", Status: protocol.StatusAccepted}
	if err := s.Respond(accept); err == nil {
		t.Fatalf("expected issuance error")
	}
	if s.State() != session.StatePending {
		t.Fatalf("failed acceptance must not leave the session accepted: %s", s.State())
	}

	issuer.err = nil
	if err := s.Respond(accept); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.State() != session.StateAccepted {
		t.Fatalf("expected accepted after retry, got %s", s.State())
	}
}

func TestExpireOverdueSweepsOnlyOverdue(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	now := base
	l := ledger.New(100, nil)
	r := session.NewRegistry(session.Config{MaxRounds: 3, RoundTTL: time.Minute}, l, &fakeIssuer{}).
		WithClock(func() time.Time { return now })

	early, _ := r.Open("agt_1", proposal("job_early", 1, 10))
	now = base.Add(30 * time.Second)
	late, _ := r.Open("agt_1", proposal("job_late", 1, 10))

	expired := r.ExpireOverdue(base.Add(70 * time.Second))
	if len(expired) != 1 || expired[0] != "job_early" {
		t.Fatalf("unexpected expirations: %v", expired)
	}
	if early.State() != session.StateExpired || late.State() != session.StatePending {
		t.Fatalf("sweep touched the wrong sessions: %s / %s", early.State(), late.State())
	}
}

func TestConcurrentRespondsSerialize(t *testing.T) {
	r, _, _ := newRegistry(50, 1000)
	s, _ := r.Open("agt_1", proposal("job_1", 1.0, 10))

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			done <- s.Respond(counter("job_1", map[string]float64{"payment_offer": float64(20 + i)}))
		}(i)
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil && !errors.Is(err, session.ErrStateConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	v := s.View()
	if v.Round != len(v.History)+1 {
		t.Fatalf("round/history drifted: round=%d history=%d", v.Round, len(v.History))
	}
	if v.Status != session.StatePending {
		t.Fatalf("expected pending after concurrent counters, got %s", v.Status)
	}
}
