// Package notify delivers terminal negotiation outcomes to the webhook
// endpoint each agent registered. Deliveries are HMAC-signed and attempted
// at most once; the outcome of every attempt is recorded.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"fedmarket/pkg/webhooks"
	"fedmarket/services/negotiation/internal/session"
)

const (
	EventAccepted = "negotiation.accepted"
	EventRejected = "negotiation.rejected"
	EventExpired  = "negotiation.expired"
)

type Endpoint struct {
	URL    string
	Secret string
}

type Delivery struct {
	DeliveryID string    `json:"delivery_id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	AgentID    string    `json:"agent_id"`
	JobID      string    `json:"job_id"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type Dispatcher struct {
	endpoints map[string]Endpoint
	client    *http.Client
	logger    *slog.Logger

	mu         sync.Mutex
	deliveries []Delivery
}

func NewDispatcher(endpoints map[string]Endpoint, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// eventType maps a terminal session state to its wire event name. Returns ""
// for non-terminal states, which are never delivered.
func eventType(state session.State) string {
	switch state {
	case session.StateAccepted:
		return EventAccepted
	case session.StateRejected:
		return EventRejected
	case session.StateExpired:
		return EventExpired
	}
	return ""
}

// SessionClosed delivers the terminal outcome to the agent's endpoint, if
// one is registered. Failures are logged and recorded, never retried here.
func (d *Dispatcher) SessionClosed(ctx context.Context, v session.View) {
	typ := eventType(v.Status)
	if typ == "" {
		return
	}
	ep, ok := d.endpoints[v.AgentID]
	if !ok {
		return
	}

	eventID := "evt_" + uuid.NewString()
	body, err := json.Marshal(map[string]any{
		"event_id":   eventID,
		"event_type": typ,
		"session":    v,
	})
	if err != nil {
		d.record(Delivery{EventID: eventID, EventType: typ, AgentID: v.AgentID, JobID: v.JobID, URL: ep.URL, Error: err.Error()})
		return
	}

	headers, err := webhooks.Sign(eventID, typ, body, ep.Secret)
	if err != nil {
		d.record(Delivery{EventID: eventID, EventType: typ, AgentID: v.AgentID, JobID: v.JobID, URL: ep.URL, Error: err.Error()})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		d.record(Delivery{EventID: eventID, EventType: typ, AgentID: v.AgentID, JobID: v.JobID, URL: ep.URL, Error: err.Error()})
		return
	}
	req.Header.Set("content-type", "application/json")
	for key, values := range headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	resp, err := d.client.Do(req)
	delivery := Delivery{EventID: eventID, EventType: typ, AgentID: v.AgentID, JobID: v.JobID, URL: ep.URL}
	if err != nil {
		delivery.Error = err.Error()
		d.logger.Warn("webhook delivery failed", "job_id", v.JobID, "agent_id", v.AgentID, "err", err)
	} else {
		resp.Body.Close()
		delivery.StatusCode = resp.StatusCode
		if resp.StatusCode >= 300 {
			d.logger.Warn("webhook delivery rejected", "job_id", v.JobID, "agent_id", v.AgentID, "status", resp.StatusCode)
		}
	}
	d.record(delivery)
}

func (d *Dispatcher) record(delivery Delivery) {
	delivery.DeliveryID = "whd_" + uuid.NewString()
	delivery.At = time.Now().UTC()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, delivery)
}

// Deliveries returns a copy of the delivery log, oldest first.
func (d *Dispatcher) Deliveries() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Delivery, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}
