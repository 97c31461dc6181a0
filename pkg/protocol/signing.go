package protocol

import "fedmarket/pkg/canonhash"

// ContractSigningPayload is the canonical shape signed into a contract's
// digital_signature: the agreed terms, nothing else. Field order is fixed by
// the struct so the encoding is stable.
type ContractSigningPayload struct {
	JobID         string        `json:"job_id"`
	AgentID       string        `json:"agent_id"`
	AgreedPrice   float64       `json:"agreed_price"`
	AgreedPrivacy PrivacyBudget `json:"agreed_privacy"`
}

// SigningBytes returns the canonical encoding the signer capability signs
// and verifiers check against.
func (c TrainingContract) SigningBytes() ([]byte, error) {
	_, b, err := canonhash.Sum256Hex(ContractSigningPayload{
		JobID:         c.JobID,
		AgentID:       c.AgentID,
		AgreedPrice:   c.AgreedPrice,
		AgreedPrivacy: c.AgreedPrivacy,
	})
	return b, err
}

// TermsHash is the prefixed canonical hash of the signed terms, used as a
// stable reference to a contract's content.
func (c TrainingContract) TermsHash() (string, error) {
	h, _, err := canonhash.SumObject(ContractSigningPayload{
		JobID:         c.JobID,
		AgentID:       c.AgentID,
		AgreedPrice:   c.AgreedPrice,
		AgreedPrivacy: c.AgreedPrivacy,
	})
	return h, err
}
