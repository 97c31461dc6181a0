// Package store archives negotiation outcomes to Postgres: session
// snapshots, per-round history events, issued contracts, and idempotency
// records. The in-memory session registry stays authoritative for live
// negotiations; the archive is the durable record.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fedmarket/pkg/protocol"
	"fedmarket/services/negotiation/internal/session"
)

var ErrNotFound = errors.New("not found")

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// UpsertSession snapshots the current session view. Called after every state
// transition; the latest write wins.
func (s *Store) UpsertSession(ctx context.Context, v session.View) error {
	proposal, err := json.Marshal(v.Proposal)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO negotiation_sessions(job_id,agent_id,status,reason,round,max_rounds,proposal,created_at,expires_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9)
ON CONFLICT (job_id) DO UPDATE SET
  status=EXCLUDED.status,
  reason=EXCLUDED.reason,
  round=EXCLUDED.round,
  proposal=EXCLUDED.proposal,
  expires_at=EXCLUDED.expires_at,
  updated_at=now()
`, v.JobID, v.AgentID, string(v.Status), v.Reason, v.Round, v.MaxRounds, string(proposal), v.CreatedAt, v.ExpiresAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, jobID string) (session.View, error) {
	var v session.View
	var status, reason string
	var proposal []byte
	err := s.DB.QueryRow(ctx, `
SELECT job_id,agent_id,status,reason,round,max_rounds,proposal,created_at,expires_at
FROM negotiation_sessions WHERE job_id=$1
`, jobID).Scan(&v.JobID, &v.AgentID, &status, &reason, &v.Round, &v.MaxRounds, &proposal, &v.CreatedAt, &v.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.View{}, ErrNotFound
	}
	if err != nil {
		return session.View{}, err
	}
	v.Status = session.State(status)
	v.Reason = reason
	if err := json.Unmarshal(proposal, &v.Proposal); err != nil {
		return session.View{}, err
	}
	v.History, err = s.listHistory(ctx, jobID)
	return v, err
}

// AppendHistory records one negotiation round event. Event IDs are ULIDs, so
// insertion order and lexical order agree.
func (s *Store) AppendHistory(ctx context.Context, jobID string, e session.HistoryEntry) error {
	response, err := json.Marshal(e.Response)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO negotiation_history(event_id,job_id,round,response,occurred_at)
VALUES($1,$2,$3,$4::jsonb,$5)
ON CONFLICT (event_id) DO NOTHING
`, e.EventID, jobID, e.Round, string(response), e.At)
	return err
}

func (s *Store) listHistory(ctx context.Context, jobID string) ([]session.HistoryEntry, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id,round,response,occurred_at
FROM negotiation_history
WHERE job_id=$1
ORDER BY event_id ASC
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.HistoryEntry
	for rows.Next() {
		var e session.HistoryEntry
		var response []byte
		if err := rows.Scan(&e.EventID, &e.Round, &response, &e.At); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(response, &e.Response); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutContract archives an issued contract. Contracts are write-once; a
// replayed insert for the same job is a no-op.
func (s *Store) PutContract(ctx context.Context, c protocol.TrainingContract) error {
	privacy, err := json.Marshal(c.AgreedPrivacy)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO training_contracts(job_id,agent_id,agreed_price,agreed_privacy,digital_signature)
VALUES($1,$2,$3,$4::jsonb,$5)
ON CONFLICT (job_id) DO NOTHING
`, c.JobID, c.AgentID, c.AgreedPrice, string(privacy), c.DigitalSignature)
	return err
}

func (s *Store) GetContract(ctx context.Context, jobID string) (protocol.TrainingContract, error) {
	var c protocol.TrainingContract
	var privacy []byte
	err := s.DB.QueryRow(ctx, `
SELECT job_id,agent_id,agreed_price,agreed_privacy,digital_signature
FROM training_contracts WHERE job_id=$1
`, jobID).Scan(&c.JobID, &c.AgentID, &c.AgreedPrice, &privacy, &c.DigitalSignature)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.TrainingContract{}, ErrNotFound
	}
	if err != nil {
		return protocol.TrainingContract{}, err
	}
	err = json.Unmarshal(privacy, &c.AgreedPrivacy)
	return c, err
}

// GetIdempotencyRecord implements idempotency.Store.
func (s *Store) GetIdempotencyRecord(ctx context.Context, agentID, idempotencyKey, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status,response_body
FROM idempotency_records
WHERE agent_id=$1 AND idempotency_key=$2 AND endpoint=$3
`, agentID, idempotencyKey, endpoint).Scan(&status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, nil, false, err
	}
	return status, out, true, nil
}

// SaveIdempotencyRecord implements idempotency.Store. First write wins.
func (s *Store) SaveIdempotencyRecord(ctx context.Context, agentID, idempotencyKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	body, err := json.Marshal(responseBody)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO idempotency_records(agent_id,idempotency_key,endpoint,response_status,response_body,created_at)
VALUES($1,$2,$3,$4,$5::jsonb,$6)
ON CONFLICT (agent_id,idempotency_key,endpoint) DO NOTHING
`, agentID, idempotencyKey, endpoint, responseStatus, string(body), time.Now().UTC())
	return err
}
