// Package store persists catalog state: published data resource profiles and
// the hashed credentials agents authenticate with.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fedmarket/pkg/authn"
	"fedmarket/pkg/protocol"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrProfilePublished = errors.New("profile already published")
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

type PublishedProfile struct {
	Profile     protocol.DataResourceProfile `json:"profile"`
	PublishedAt time.Time                    `json:"published_at"`
}

// PublishProfile inserts the profile for an agent. Published profiles are
// immutable; a second publish for the same agent returns
// ErrProfilePublished.
func (s *Store) PublishProfile(ctx context.Context, p protocol.DataResourceProfile) (PublishedProfile, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return PublishedProfile{}, err
	}
	var publishedAt time.Time
	err = s.DB.QueryRow(ctx, `
INSERT INTO agent_profiles(agent_id,profile)
VALUES($1,$2::jsonb)
ON CONFLICT (agent_id) DO NOTHING
RETURNING published_at
`, p.AgentID, string(b)).Scan(&publishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PublishedProfile{}, ErrProfilePublished
	}
	if err != nil {
		return PublishedProfile{}, err
	}
	return PublishedProfile{Profile: p, PublishedAt: publishedAt}, nil
}

func (s *Store) GetProfile(ctx context.Context, agentID string) (PublishedProfile, error) {
	var b []byte
	var out PublishedProfile
	err := s.DB.QueryRow(ctx, `
SELECT profile,published_at FROM agent_profiles WHERE agent_id=$1
`, agentID).Scan(&b, &out.PublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PublishedProfile{}, ErrNotFound
	}
	if err != nil {
		return PublishedProfile{}, err
	}
	if err := json.Unmarshal(b, &out.Profile); err != nil {
		return PublishedProfile{}, err
	}
	return out, nil
}

func (s *Store) CreateCredential(ctx context.Context, agentID, tokenHash string, scopes []string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO agent_credentials(agent_id,token_hash,scopes)
VALUES($1,$2,$3)
`, agentID, tokenHash, scopes)
	return err
}

func (s *Store) RevokeCredentials(ctx context.Context, agentID string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE agent_credentials SET revoked_at=now() WHERE agent_id=$1 AND revoked_at IS NULL
`, agentID)
	return err
}

// LookupCredential implements authn.CredentialStore.
func (s *Store) LookupCredential(ctx context.Context, tokenHash string) (authn.AgentIdentity, error) {
	var out authn.AgentIdentity
	err := s.DB.QueryRow(ctx, `
SELECT agent_id,scopes
FROM agent_credentials
WHERE token_hash=$1 AND revoked_at IS NULL
`, tokenHash).Scan(&out.AgentID, &out.Scopes)
	if errors.Is(err, pgx.ErrNoRows) {
		return authn.AgentIdentity{}, authn.ErrUnauthorized
	}
	if err != nil {
		return authn.AgentIdentity{}, err
	}
	return out, nil
}
