// Package webhooks signs and verifies negotiation outcome deliveries. Both
// sides share one scheme: HMAC-SHA256 over a canonical envelope of event id,
// event type, and raw body.
package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"
	Scheme          = "fedmarket-hmac-sha256/v1"
)

type VerificationResult struct {
	Valid   bool           `json:"valid"`
	Scheme  string         `json:"scheme"`
	Details map[string]any `json:"details"`
	EventID string         `json:"event_id,omitempty"`
	// EventType is "unknown" when the sender omitted the header.
	EventType string `json:"event_type,omitempty"`
}

// SigningEnvelope is the canonical byte string the HMAC covers. Newline
// separators keep (id, type, body) unambiguous.
func SigningEnvelope(eventID, eventType string, rawBody []byte) []byte {
	var b bytes.Buffer
	b.WriteString(eventID)
	b.WriteByte('\n')
	b.WriteString(eventType)
	b.WriteByte('\n')
	b.Write(rawBody)
	return b.Bytes()
}

// Sign produces the delivery headers for an outbound webhook.
func Sign(eventID, eventType string, rawBody []byte, secret string) (http.Header, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(SigningEnvelope(eventID, eventType, rawBody))

	h := http.Header{}
	h.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	h.Set(EventIDHeader, eventID)
	h.Set(EventTypeHeader, eventType)
	return h, nil
}

// Verify checks an inbound delivery against the shared secret.
func Verify(headers http.Header, rawBody []byte, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook secret is empty")
	}

	res := VerificationResult{
		Valid:  false,
		Scheme: Scheme,
		Details: map[string]any{
			"signature_header_present": false,
			"signature_hex_decodable":  false,
		},
		EventID:   strings.TrimSpace(headers.Get(EventIDHeader)),
		EventType: strings.TrimSpace(headers.Get(EventTypeHeader)),
	}
	if res.EventType == "" {
		res.EventType = "unknown"
	}

	sigHex := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHex == "" {
		return res, nil
	}
	res.Details["signature_header_present"] = true

	providedSig, err := hex.DecodeString(sigHex)
	if err != nil {
		return res, nil
	}
	res.Details["signature_hex_decodable"] = true

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(SigningEnvelope(res.EventID, strings.TrimSpace(headers.Get(EventTypeHeader)), rawBody))
	res.Valid = hmac.Equal(mac.Sum(nil), providedSig)
	return res, nil
}
