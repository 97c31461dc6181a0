package protocol

import "fmt"

type JobType string

const (
	JobTraining   JobType = "training"
	JobEvaluation JobType = "evaluation"
)

type NegotiationStatus string

const (
	StatusPending      NegotiationStatus = "pending"
	StatusAccepted     NegotiationStatus = "accepted"
	StatusRejected     NegotiationStatus = "rejected"
	StatusCounterOffer NegotiationStatus = "counter_offer"
)

// PrivacyBudget is the differential-privacy cost of one job. Epsilon is the
// scarce resource the marketplace trades; lower epsilon means stronger
// privacy and a higher price.
type PrivacyBudget struct {
	Epsilon      float64 `json:"epsilon"`
	Delta        float64 `json:"delta"`
	ClippingNorm float64 `json:"clipping_norm"`
}

const (
	DefaultDelta        = 1e-5
	DefaultClippingNorm = 1.0
)

// WithDefaults fills the schema defaults for fields left at zero.
func (b PrivacyBudget) WithDefaults() PrivacyBudget {
	if b.Delta == 0 {
		b.Delta = DefaultDelta
	}
	if b.ClippingNorm == 0 {
		b.ClippingNorm = DefaultClippingNorm
	}
	return b
}

// DataResourceProfile is the immutable discovery snapshot an agent publishes
// to the catalog. Negotiation reads it, never mutates it.
type DataResourceProfile struct {
	AgentID            string           `json:"agent_id"`
	DataSize           int64            `json:"data_size"`
	Features           []string         `json:"features"`
	LabelDistribution  map[string]int64 `json:"label_distribution"`
	DataFreshnessScore float64          `json:"data_freshness_score"`
}

// TrainingProposal is one offer within a negotiation round. JobID stays
// constant across every round of a session.
type TrainingProposal struct {
	JobID         string        `json:"job_id"`
	JobType       JobType       `json:"job_type"`
	PrivacyBudget PrivacyBudget `json:"privacy_budget"`
	PaymentOffer  float64       `json:"payment_offer"`
	Rounds        int           `json:"rounds"`
}

// WithDefaults fills schema defaults (rounds, nested budget).
func (p TrainingProposal) WithDefaults() TrainingProposal {
	if p.Rounds == 0 {
		p.Rounds = 1
	}
	p.PrivacyBudget = p.PrivacyBudget.WithDefaults()
	return p
}

// NegotiationResponse is the reply to a proposal. CounterProposal is present
// exactly when Status is counter_offer, and its keys are restricted to the
// counter allow-list.
type NegotiationResponse struct {
	JobID           string             `json:"job_id"`
	Status          NegotiationStatus  `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	CounterProposal map[string]float64 `json:"counter_proposal,omitempty"`
}

// TrainingContract is the binding outcome of an accepted negotiation,
// created exactly once per job and immutable thereafter. DigitalSignature is
// an opaque token produced by the signer capability.
type TrainingContract struct {
	JobID            string        `json:"job_id"`
	AgentID          string        `json:"agent_id"`
	AgreedPrice      float64       `json:"agreed_price"`
	AgreedPrivacy    PrivacyBudget `json:"agreed_privacy"`
	DigitalSignature string        `json:"digital_signature"`
}

// ValidationError reports a malformed or out-of-range field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q invalid: %s", e.Field, e.Reason)
}
