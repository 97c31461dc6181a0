// Package policy decides how a party answers an incoming proposal. The
// evaluator is a pure function of the proposal, the counterparty's resource
// profile, and the configured policy parameters, so both the data-holding
// agent and the requesting orchestrator can run it.
package policy

import (
	"fmt"

	"fedmarket/pkg/protocol"
)

const (
	ReasonEpsilonTooHigh    = "epsilon_too_high"
	ReasonPriceBelowMinimum = "price_below_minimum"
)

// Params configure one party's bargaining stance.
type Params struct {
	// MaxEpsilon is the largest per-job privacy loss the party tolerates.
	MaxEpsilon float64 `yaml:"max_epsilon" json:"max_epsilon"`
	// PriceFloor is the asking price as epsilon grows without bound.
	PriceFloor float64 `yaml:"price_floor" json:"price_floor"`
	// PriceSlope scales the 1/epsilon term: lower privacy loss costs more.
	PriceSlope float64 `yaml:"price_slope" json:"price_slope"`
	// FreshnessPremium inflates the asking price for fresher data, scaled by
	// the profile's data_freshness_score.
	FreshnessPremium float64 `yaml:"freshness_premium" json:"freshness_premium"`
	// BargainingBand is the fraction below the asking price within which the
	// party counters instead of rejecting outright.
	BargainingBand float64 `yaml:"bargaining_band" json:"bargaining_band"`
	// EpsilonStep bounds how far above MaxEpsilon a proposal may sit and
	// still draw a counter-offer lowering epsilon.
	EpsilonStep float64 `yaml:"epsilon_step" json:"epsilon_step"`
}

func (p Params) Validate() error {
	if !(p.MaxEpsilon > 0) {
		return fmt.Errorf("max_epsilon must be > 0")
	}
	if p.PriceFloor < 0 || p.PriceSlope < 0 {
		return fmt.Errorf("price_floor and price_slope must be >= 0")
	}
	if p.FreshnessPremium < 0 {
		return fmt.Errorf("freshness_premium must be >= 0")
	}
	if p.BargainingBand < 0 || p.BargainingBand > 1 {
		return fmt.Errorf("bargaining_band must be in [0, 1]")
	}
	if p.EpsilonStep < 0 {
		return fmt.Errorf("epsilon_step must be >= 0")
	}
	return nil
}

// MinPrice is the party's asking price for spending epsilon against the
// profiled data. It is monotonically non-increasing in epsilon for every
// valid Params: stronger privacy guarantees cost more.
func MinPrice(epsilon float64, profile protocol.DataResourceProfile, params Params) float64 {
	base := params.PriceFloor + params.PriceSlope/epsilon
	return base * (1 + params.FreshnessPremium*profile.DataFreshnessScore)
}

// Evaluate answers one round. Decision order: accept when both price and
// epsilon constraints hold; counter when a bounded adjustment would satisfy
// them; otherwise reject naming the first unmet constraint.
func Evaluate(proposal protocol.TrainingProposal, profile protocol.DataResourceProfile, params Params) protocol.NegotiationResponse {
	epsilon := proposal.PrivacyBudget.Epsilon
	askingPrice := MinPrice(epsilon, profile, params)

	if proposal.PaymentOffer >= askingPrice && epsilon <= params.MaxEpsilon {
		return protocol.NegotiationResponse{JobID: proposal.JobID, Status: protocol.StatusAccepted}
	}

	counter := map[string]float64{}
	targetEpsilon := epsilon

	if epsilon > params.MaxEpsilon {
		if epsilon-params.MaxEpsilon > params.EpsilonStep {
			return protocol.NegotiationResponse{
				JobID:  proposal.JobID,
				Status: protocol.StatusRejected,
				Reason: ReasonEpsilonTooHigh,
			}
		}
		targetEpsilon = params.MaxEpsilon
		counter[protocol.CounterEpsilon] = targetEpsilon
	}

	// Price the deal at the epsilon we are countering towards, not the one
	// proposed: lowering epsilon raises the ask.
	targetPrice := MinPrice(targetEpsilon, profile, params)
	if proposal.PaymentOffer < targetPrice {
		if proposal.PaymentOffer < (1-params.BargainingBand)*targetPrice {
			return protocol.NegotiationResponse{
				JobID:  proposal.JobID,
				Status: protocol.StatusRejected,
				Reason: ReasonPriceBelowMinimum,
			}
		}
		counter[protocol.CounterPaymentOffer] = targetPrice
	}

	reason := ReasonPriceBelowMinimum
	if _, ok := counter[protocol.CounterEpsilon]; ok && len(counter) == 1 {
		reason = ReasonEpsilonTooHigh
	}
	return protocol.NegotiationResponse{
		JobID:           proposal.JobID,
		Status:          protocol.StatusCounterOffer,
		Reason:          reason,
		CounterProposal: counter,
	}
}
