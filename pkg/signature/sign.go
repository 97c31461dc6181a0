package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrInvalidKey = errors.New("invalid signing key")

// Ed25519Signer implements the signer capability consumed by the contract
// issuer. Clock is injectable so tests can pin issued_at.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	keyID string
	now   func() time.Time
}

func NewEd25519Signer(priv ed25519.PrivateKey, keyID string) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return &Ed25519Signer{priv: priv, keyID: strings.TrimSpace(keyID), now: time.Now}, nil
}

// GenerateEd25519Signer creates a signer with a fresh keypair. Dev and test
// deployments use this; production injects a provisioned key.
func GenerateEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewEd25519Signer(priv, keyID)
}

func (s *Ed25519Signer) WithClock(now func() time.Time) *Ed25519Signer {
	s.now = now
	return s
}

// Sign hashes the canonical payload bytes and returns an opaque envelope
// token over that hash.
func (s *Ed25519Signer) Sign(payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	sig := ed25519.Sign(s.priv, sum[:])
	env := Envelope{
		Version:     EnvelopeVersion,
		Algorithm:   AlgorithmEd25519,
		PublicKey:   base64.StdEncoding.EncodeToString(s.priv.Public().(ed25519.PublicKey)),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: hex.EncodeToString(sum[:]),
		IssuedAt:    s.now().UTC().Format(time.RFC3339Nano),
		KeyID:       s.keyID,
		Context:     ContextNegotiation,
	}
	return EncodeToken(env)
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// EncodeToken serializes an envelope into its opaque wire form.
func EncodeToken(env Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeToken parses an opaque signature token back into an envelope.
func DecodeToken(token string) (Envelope, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return Envelope{}, ErrInvalidEncoding
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, ErrInvalidEncoding
	}
	return env, nil
}
