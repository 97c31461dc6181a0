package protocol

import "math"

// Negotiable counter-proposal fields. Anything outside this set is rejected
// before a counter is merged into the current proposal.
const (
	CounterPaymentOffer = "payment_offer"
	CounterEpsilon      = "epsilon"
	CounterDelta        = "delta"
	CounterClippingNorm = "clipping_norm"
	CounterRounds       = "rounds"
)

func IsCounterField(name string) bool {
	switch name {
	case CounterPaymentOffer, CounterEpsilon, CounterDelta, CounterClippingNorm, CounterRounds:
		return true
	default:
		return false
	}
}

// ApplyCounter merges a counter-proposal map field-by-field onto a copy of
// the current proposal. Unknown keys and out-of-range values fail the whole
// merge; the input proposal is never modified.
func ApplyCounter(p TrainingProposal, counter map[string]float64) (TrainingProposal, error) {
	merged := p
	for field, value := range counter {
		switch field {
		case CounterPaymentOffer:
			if value < 0 {
				return TrainingProposal{}, &ValidationError{Field: field, Reason: "must be >= 0"}
			}
			merged.PaymentOffer = value
		case CounterEpsilon:
			if !(value > 0) {
				return TrainingProposal{}, &ValidationError{Field: field, Reason: "must be > 0"}
			}
			merged.PrivacyBudget.Epsilon = value
		case CounterDelta:
			if value < 0 || value >= 1 {
				return TrainingProposal{}, &ValidationError{Field: field, Reason: "must be in [0, 1)"}
			}
			merged.PrivacyBudget.Delta = value
		case CounterClippingNorm:
			if !(value > 0) {
				return TrainingProposal{}, &ValidationError{Field: field, Reason: "must be > 0"}
			}
			merged.PrivacyBudget.ClippingNorm = value
		case CounterRounds:
			if value < 1 || value != math.Trunc(value) {
				return TrainingProposal{}, &ValidationError{Field: field, Reason: "must be an integer >= 1"}
			}
			merged.Rounds = int(value)
		default:
			return TrainingProposal{}, &ValidationError{Field: field, Reason: "not a negotiable field"}
		}
	}
	return merged, nil
}
