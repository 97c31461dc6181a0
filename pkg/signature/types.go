package signature

// Envelope is the signed artifact attached to a training contract. On the
// wire it travels as an opaque token (base64url of the envelope JSON) so
// callers never depend on its internals.
type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	KeyID       string `json:"key_id,omitempty"`
	Context     string `json:"context,omitempty"`
}

const (
	EnvelopeVersion    = "sig-v1"
	AlgorithmEd25519   = "ed25519"
	ContextNegotiation = "fedmarket/training-contract"
)
