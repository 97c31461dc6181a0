// Package fedmarket is the Go client for the negotiation marketplace API.
package fedmarket

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fedmarket/pkg/protocol"
	"fedmarket/pkg/signature"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("fedmarket sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// Session mirrors the server's session view.
type Session struct {
	JobID     string                     `json:"job_id"`
	AgentID   string                     `json:"agent_id"`
	Status    string                     `json:"status"`
	Reason    string                     `json:"reason,omitempty"`
	Round     int                        `json:"round"`
	MaxRounds int                        `json:"max_rounds"`
	Proposal  protocol.TrainingProposal  `json:"proposal"`
	History   []HistoryEntry             `json:"history"`
	Contract  *protocol.TrainingContract `json:"contract,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
	ExpiresAt time.Time                  `json:"expires_at"`
}

type HistoryEntry struct {
	EventID  string                       `json:"event_id"`
	Round    int                          `json:"round"`
	Response protocol.NegotiationResponse `json:"response"`
	At       time.Time                    `json:"at"`
}

type AuthStrategy interface {
	Apply(req *http.Request) error
}

// BearerAuth sends the agent credential issued by the catalog service.
type BearerAuth struct{ Token string }

func (a BearerAuth) Apply(req *http.Request) error {
	if strings.TrimSpace(a.Token) == "" {
		return errors.New("bearer token is required")
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthStrategy
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithAuth(auth AuthStrategy) Option {
	return func(c *Client) { c.auth = auth }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func NewIdempotencyKey() string { return newNonce() }

// OpenNegotiation submits the initial proposal to a data-holding agent. The
// returned session already contains the agent's first response.
func (c *Client) OpenNegotiation(ctx context.Context, agentID string, proposal protocol.TrainingProposal, idempotencyKey string) (*Session, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, errors.New("idempotency key is required for openNegotiation")
	}
	body := map[string]any{"agent_id": agentID, "proposal": proposal}
	payload, err := c.do(ctx, http.MethodPost, "/negotiation/proposals", body, map[string]string{"Idempotency-Key": idempotencyKey}, true)
	if err != nil {
		return nil, err
	}
	return parseSession(payload)
}

// SubmitResponse delivers a negotiation response for an open job.
func (c *Client) SubmitResponse(ctx context.Context, jobID string, resp protocol.NegotiationResponse) (*Session, error) {
	path := "/negotiation/jobs/" + url.PathEscape(jobID) + "/responses"
	payload, err := c.do(ctx, http.MethodPost, path, resp, nil, false)
	if err != nil {
		return nil, err
	}
	return parseSession(payload)
}

func (c *Client) CancelNegotiation(ctx context.Context, jobID, reason string) (*Session, error) {
	path := "/negotiation/jobs/" + url.PathEscape(jobID) + "/cancel"
	payload, err := c.do(ctx, http.MethodPost, path, map[string]any{"reason": reason}, nil, false)
	if err != nil {
		return nil, err
	}
	return parseSession(payload)
}

func (c *Client) GetSession(ctx context.Context, jobID string) (*Session, error) {
	path := "/negotiation/jobs/" + url.PathEscape(jobID)
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return nil, err
	}
	return parseSession(payload)
}

func (c *Client) GetContract(ctx context.Context, jobID string) (*protocol.TrainingContract, error) {
	path := "/negotiation/jobs/" + url.PathEscape(jobID) + "/contract"
	payload, err := c.do(ctx, http.MethodGet, path, nil, nil, true)
	if err != nil {
		return nil, err
	}
	raw, ok := payload["contract"]
	if !ok {
		return nil, errors.New("response missing contract")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var contract protocol.TrainingContract
	if err := json.Unmarshal(b, &contract); err != nil {
		return nil, err
	}
	return &contract, nil
}

// VerifyContractSignature checks the contract's signature token offline
// against the terms it binds.
func VerifyContractSignature(c protocol.TrainingContract) error {
	payload, err := c.SigningBytes()
	if err != nil {
		return err
	}
	_, err = signature.VerifyToken(payload, c.DigitalSignature)
	return err
}

func parseSession(payload map[string]any) (*Session, error) {
	raw, ok := payload["session"]
	if !ok {
		return nil, errors.New("response missing session")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, retryable bool) (map[string]any, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "fedmarket-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.auth != nil {
			if err := c.auth.Apply(req); err != nil {
				return nil, err
			}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return nil, err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var obj map[string]any
			if len(respBody) == 0 {
				return map[string]any{}, nil
			}
			if err := json.Unmarshal(respBody, &obj); err != nil {
				return nil, err
			}
			return obj, nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return nil, parseSDKError(resp.StatusCode, respBody)
	}
	return nil, errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseSDKError(status int, body []byte) *Error {
	out := &Error{StatusCode: status, ErrorCode: "UNKNOWN", Message: http.StatusText(status)}
	var payload struct {
		RequestID string `json:"request_id"`
		Err       struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Err.Code != "" {
			out.ErrorCode = payload.Err.Code
		}
		if payload.Err.Message != "" {
			out.Message = payload.Err.Message
		}
		out.RequestID = payload.RequestID
		out.Details = payload.Err.Details
	}
	return out
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
