// Package contract turns an accepted negotiation into a signed, binding
// artifact exactly once per job.
package contract

import (
	"errors"
	"fmt"
	"sync"

	"fedmarket/pkg/protocol"
	"fedmarket/services/negotiation/internal/session"
)

var (
	// ErrSignature marks a signer capability failure. The contract is not
	// issued; the commit has been compensated and the caller may retry.
	ErrSignature = errors.New("contract signing failed")
	// ErrLedgerDesync marks a missing reservation at commit time. This is a
	// session/ledger desynchronization bug, not a negotiation outcome.
	ErrLedgerDesync = errors.New("ledger desynchronized from session")
)

// Signer is the injected signature capability.
type Signer interface {
	Sign(payload []byte) (string, error)
}

// Ledger is the slice of the privacy ledger the issuer drives.
type Ledger interface {
	Commit(jobID string) error
	Rollback(jobID string) error
}

// Store keeps issued contracts for idempotent re-issuance.
type Store interface {
	Get(jobID string) (protocol.TrainingContract, bool)
	Put(contract protocol.TrainingContract)
}

type Issuer struct {
	mu     sync.Mutex
	store  Store
	ledger Ledger
	signer Signer
}

func NewIssuer(store Store, ledger Ledger, signer Signer) *Issuer {
	return &Issuer{store: store, ledger: ledger, signer: signer}
}

// Issue commits the job's ledger reservation, signs the canonical terms, and
// stores the contract. Re-issuing an already-contracted job returns the
// cached contract without touching the ledger or the signer. Signing failure
// after a successful commit rolls the commit back to a reservation so the
// issuance stays retryable.
func (i *Issuer) Issue(terms session.Terms) (protocol.TrainingContract, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if cached, ok := i.store.Get(terms.JobID); ok {
		return cached, nil
	}

	if err := i.ledger.Commit(terms.JobID); err != nil {
		return protocol.TrainingContract{}, fmt.Errorf("%w: %v", ErrLedgerDesync, err)
	}

	contract := protocol.TrainingContract{
		JobID:         terms.JobID,
		AgentID:       terms.AgentID,
		AgreedPrice:   terms.AgreedPrice,
		AgreedPrivacy: terms.AgreedPrivacy,
	}
	payload, err := contract.SigningBytes()
	if err != nil {
		i.compensate(terms.JobID)
		return protocol.TrainingContract{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	token, err := i.signer.Sign(payload)
	if err != nil {
		i.compensate(terms.JobID)
		return protocol.TrainingContract{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	contract.DigitalSignature = token

	i.store.Put(contract)
	return contract, nil
}

// compensate demotes the just-performed commit back to a reservation. A
// rollback failure here would strand committed budget for an uncontracted
// job; surface it loudly.
func (i *Issuer) compensate(jobID string) {
	if err := i.ledger.Rollback(jobID); err != nil {
		panic(fmt.Sprintf("contract issuer: cannot roll back commit for job %s: %v", jobID, err))
	}
}

// Get returns the issued contract for a job, if any.
func (i *Issuer) Get(jobID string) (protocol.TrainingContract, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.Get(jobID)
}
