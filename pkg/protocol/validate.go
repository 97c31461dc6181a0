package protocol

import "strings"

func (b PrivacyBudget) Validate() error {
	if !(b.Epsilon > 0) {
		return &ValidationError{Field: "epsilon", Reason: "must be > 0"}
	}
	if b.Delta < 0 || b.Delta >= 1 {
		return &ValidationError{Field: "delta", Reason: "must be in [0, 1)"}
	}
	if !(b.ClippingNorm > 0) {
		return &ValidationError{Field: "clipping_norm", Reason: "must be > 0"}
	}
	return nil
}

func (t JobType) Validate() error {
	switch t {
	case JobTraining, JobEvaluation:
		return nil
	default:
		return &ValidationError{Field: "job_type", Reason: "must be training or evaluation"}
	}
}

func (s NegotiationStatus) Validate() error {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusCounterOffer:
		return nil
	default:
		return &ValidationError{Field: "status", Reason: "unknown status"}
	}
}

func (p TrainingProposal) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return &ValidationError{Field: "job_id", Reason: "required"}
	}
	if err := p.JobType.Validate(); err != nil {
		return err
	}
	if err := p.PrivacyBudget.Validate(); err != nil {
		return err
	}
	if p.PaymentOffer < 0 {
		return &ValidationError{Field: "payment_offer", Reason: "must be >= 0"}
	}
	if p.Rounds < 1 {
		return &ValidationError{Field: "rounds", Reason: "must be >= 1"}
	}
	return nil
}

func (r NegotiationResponse) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return &ValidationError{Field: "job_id", Reason: "required"}
	}
	if err := r.Status.Validate(); err != nil {
		return err
	}
	if r.Status == StatusCounterOffer {
		if len(r.CounterProposal) == 0 {
			return &ValidationError{Field: "counter_proposal", Reason: "required when status is counter_offer"}
		}
		for k := range r.CounterProposal {
			if !IsCounterField(k) {
				return &ValidationError{Field: k, Reason: "not a negotiable field"}
			}
		}
	} else if len(r.CounterProposal) > 0 {
		return &ValidationError{Field: "counter_proposal", Reason: "only allowed when status is counter_offer"}
	}
	return nil
}

func (p DataResourceProfile) Validate() error {
	if strings.TrimSpace(p.AgentID) == "" {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if p.DataSize < 0 {
		return &ValidationError{Field: "data_size", Reason: "must be >= 0"}
	}
	for class, count := range p.LabelDistribution {
		if count < 0 {
			return &ValidationError{Field: "label_distribution." + class, Reason: "count must be >= 0"}
		}
	}
	if p.DataFreshnessScore < 0 || p.DataFreshnessScore > 1 {
		return &ValidationError{Field: "data_freshness_score", Reason: "must be in [0, 1]"}
	}
	return nil
}
