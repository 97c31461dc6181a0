package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuedAt      = errors.New("invalid issued_at")
	ErrPayloadHashMismatch  = errors.New("payload hash mismatch")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
)

type VerifyResult struct {
	IssuedAt time.Time
	KeyID    string
}

// VerifyToken checks an opaque signature token against the canonical payload
// bytes it claims to sign.
func VerifyToken(payload []byte, token string) (VerifyResult, error) {
	env, err := DecodeToken(token)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyEnvelope(payload, env)
}

func VerifyEnvelope(payload []byte, env Envelope) (VerifyResult, error) {
	if strings.TrimSpace(env.Version) != EnvelopeVersion {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.TrimSpace(env.IssuedAt) == "" {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	if !strings.HasSuffix(env.IssuedAt, "Z") || !issuedAt.Equal(issuedAt.UTC()) {
		return VerifyResult{}, ErrInvalidIssuedAt
	}

	sum := sha256.Sum256(payload)
	payloadHashBytes, err := decodeLowerHex32(strings.TrimSpace(env.PayloadHash))
	if err != nil {
		return VerifyResult{}, err
	}
	if subtle.ConstantTimeCompare(sum[:], payloadHashBytes) != 1 {
		return VerifyResult{}, ErrPayloadHashMismatch
	}

	if strings.ToLower(strings.TrimSpace(env.Algorithm)) != AlgorithmEd25519 {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if err := verifyEd25519(payloadHashBytes, env.PublicKey, env.Signature); err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{IssuedAt: issuedAt.UTC(), KeyID: strings.TrimSpace(env.KeyID)}, nil
}

func verifyEd25519(messageHash []byte, publicKeyB64, sigB64 string) error {
	publicKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil {
		return ErrInvalidEncoding
	}
	signature, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return ErrInvalidEncoding
	}
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), messageHash, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	if s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: payload_hash length", ErrInvalidEncoding)
	}
	return b, nil
}
