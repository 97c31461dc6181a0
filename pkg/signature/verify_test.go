package signature

import (
	"errors"
	"testing"
	"time"
)

func TestSignThenVerifyToken(t *testing.T) {
	signer, err := GenerateEd25519Signer("key_test")
	if err != nil {
		t.Fatalf("GenerateEd25519Signer: %v", err)
	}
	payload := []byte(`{"job_id":"job_1","agreed_price":15}`)

	token, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	res, err := VerifyToken(payload, token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if res.KeyID != "key_test" {
		t.Fatalf("expected key id to survive, got %q", res.KeyID)
	}
	if !res.IssuedAt.Equal(res.IssuedAt.UTC()) {
		t.Fatalf("expected UTC issued_at")
	}
}

func TestVerifyTokenDetectsTamperedPayload(t *testing.T) {
	signer, err := GenerateEd25519Signer("")
	if err != nil {
		t.Fatalf("GenerateEd25519Signer: %v", err)
	}
	token, err := signer.Sign([]byte(`{"agreed_price":15}`))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_, err = VerifyToken([]byte(`{"agreed_price":150}`), token)
	if !errors.Is(err, ErrPayloadHashMismatch) {
		t.Fatalf("expected payload hash mismatch, got %v", err)
	}
}

func TestVerifyTokenDetectsForgedSignature(t *testing.T) {
	signerA, _ := GenerateEd25519Signer("")
	signerB, _ := GenerateEd25519Signer("")
	payload := []byte(`{"job_id":"job_1"}`)

	token, err := signerA.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	env, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken: %v", err)
	}
	// Swap in another party's key; the signature no longer matches.
	otherToken, err := signerB.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	otherEnv, _ := DecodeToken(otherToken)
	env.PublicKey = otherEnv.PublicKey
	forged, _ := EncodeToken(env)

	if _, err := VerifyToken(payload, forged); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestVerifyEnvelopeIssuedAtRules(t *testing.T) {
	signer, _ := GenerateEd25519Signer("")
	payload := []byte(`{"a":1}`)
	token, _ := signer.Sign(payload)
	env, _ := DecodeToken(token)

	cases := []string{"", "not-a-time", time.Now().Format("2006-01-02T15:04:05-07:00")}
	for _, issuedAt := range cases {
		bad := env
		bad.IssuedAt = issuedAt
		if _, err := VerifyEnvelope(payload, bad); !errors.Is(err, ErrInvalidIssuedAt) {
			t.Fatalf("issued_at %q: expected ErrInvalidIssuedAt, got %v", issuedAt, err)
		}
	}
}

func TestDecodeTokenRejectsGarbage(t *testing.T) {
	if _, err := DecodeToken("%%%not-base64%%%"); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
	if _, err := DecodeToken("bm90LWpzb24"); !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("expected ErrInvalidEncoding for non-JSON token, got %v", err)
	}
}
