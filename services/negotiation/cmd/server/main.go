package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"

	"fedmarket/pkg/authn"
	"fedmarket/pkg/db"
	"fedmarket/pkg/httpx"
	"fedmarket/pkg/protocol"
	"fedmarket/pkg/signature"
	catalogstore "fedmarket/services/catalog/store"
	"fedmarket/services/negotiation/internal/catalog"
	"fedmarket/services/negotiation/internal/config"
	"fedmarket/services/negotiation/internal/contract"
	"fedmarket/services/negotiation/internal/idempotency"
	"fedmarket/services/negotiation/internal/ledger"
	"fedmarket/services/negotiation/internal/notify"
	"fedmarket/services/negotiation/internal/policy"
	"fedmarket/services/negotiation/internal/session"
	"fedmarket/services/negotiation/internal/store"
)

func main() {
	port := pflag.String("port", envOr("SERVICE_PORT", "8080"), "listen port")
	configPath := pflag.String("config", os.Getenv("FEDMARKET_CONFIG"), "path to yaml config")
	catalogURL := pflag.String("catalog-url", os.Getenv("CATALOG_URL"), "catalog service base url; empty uses the in-memory catalog")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "negotiation")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	signer, err := buildSigner()
	if err != nil {
		logger.Error("signer init failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, "")
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}

	ldg := ledger.New(cfg.Ledger.DefaultCeiling, cfg.Ledger.AgentCeilings)
	issuer := contract.NewIssuer(contract.NewMemoryStore(), ldg, signer)
	registry := session.NewRegistry(session.Config{
		MaxRounds: cfg.Session.MaxRounds,
		RoundTTL:  cfg.Session.RoundTTL.Std(),
	}, ldg, issuer)

	var profiles catalog.Catalog
	if *catalogURL != "" {
		profiles = catalog.NewClient(*catalogURL)
	} else {
		profiles = catalog.NewMemory()
	}

	endpoints := map[string]notify.Endpoint{}
	for agentID, ep := range cfg.Webhooks {
		endpoints[agentID] = notify.Endpoint{URL: ep.URL, Secret: ep.Secret}
	}
	dispatcher := notify.NewDispatcher(endpoints, logger)

	var archive *store.Store
	var idemStore idempotency.Store = idempotency.NewMemoryStore()
	var creds authn.CredentialStore
	if pool != nil {
		archive = store.New(pool)
		idemStore = archive
		creds = catalogstore.New(pool)
		logger.Info("postgres archive enabled")
	} else {
		logger.Info("running on in-memory stores")
	}

	// persist snapshots and deliver outcome webhooks after every transition.
	finish := func(ctx context.Context, v session.View) {
		if archive != nil {
			if err := archive.UpsertSession(ctx, v); err != nil {
				logger.Warn("session archive failed", "job_id", v.JobID, "err", err)
			}
			for _, e := range v.History {
				if err := archive.AppendHistory(ctx, v.JobID, e); err != nil {
					logger.Warn("history archive failed", "job_id", v.JobID, "err", err)
				}
			}
			if v.Contract != nil {
				if err := archive.PutContract(ctx, *v.Contract); err != nil {
					logger.Warn("contract archive failed", "job_id", v.JobID, "err", err)
				}
			}
		}
		if v.Status.Terminal() {
			dispatcher.SessionClosed(ctx, v)
		}
	}

	sweeper := session.NewSweeper(registry, cfg.Session.SweepInterval.Std(), logger).
		OnExpired(func(v session.View) { finish(context.Background(), v) })
	go sweeper.Run(ctx)

	// evaluate applies the local pricing policy to the session's current
	// proposal and feeds the decision back into the state machine.
	evaluate := func(ctx context.Context, s *session.Session) error {
		profile, err := profiles.Profile(ctx, s.View().AgentID)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		resp := policy.Evaluate(s.Proposal(), profile, cfg.Policy)
		return s.Respond(resp)
	}

	requireAgent := func(w http.ResponseWriter, r *http.Request) bool {
		if creds == nil {
			return true
		}
		if _, err := authn.AuthenticateBearer(r.Context(), creds, r.Header.Get("Authorization")); err != nil {
			if errors.Is(err, authn.ErrUnauthorized) {
				httpx.WriteError(w, 401, "UNAUTHORIZED", "agent bearer token required", nil)
			} else {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			}
			return false
		}
		return true
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/negotiation", func(api chi.Router) {

		api.Post("/proposals", func(w http.ResponseWriter, r *http.Request) {
			if !requireAgent(w, r) {
				return
			}
			var req struct {
				AgentID  string                    `json:"agent_id"`
				Proposal protocol.TrainingProposal `json:"proposal"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}

			agent := idempotency.AgentContext{AgentID: req.AgentID, IdempotencyKey: r.Header.Get("Idempotency-Key")}
			const endpoint = "POST /negotiation/proposals"
			if status, body, replayed, err := idempotency.Replay(r.Context(), idemStore, agent, endpoint); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			} else if replayed {
				httpx.WriteJSON(w, status, body)
				return
			}

			s, err := registry.Open(req.AgentID, req.Proposal)
			if err != nil {
				if errors.Is(err, session.ErrDuplicateJob) {
					httpx.WriteError(w, 409, "DUPLICATE_JOB", err.Error(), nil)
					return
				}
				httpx.WriteValidationError(w, err)
				return
			}

			if s.State() == session.StatePending {
				if err := evaluate(r.Context(), s); err != nil {
					logger.Warn("proposal evaluation failed", "job_id", s.JobID(), "err", err)
				}
			}

			v := s.View()
			finish(r.Context(), v)

			// A reservation that failed at open time is a forced rejection:
			// the session view is returned, but as a budget error.
			status := 201
			body := map[string]any{"request_id": httpx.NewRequestID(), "session": v}
			if v.Status == session.StateRejected && v.Reason == session.ReasonBudgetCeilingExceeded && len(v.History) == 0 {
				status = 422
				body["error"] = map[string]any{
					"code":    "BUDGET_CEILING_EXCEEDED",
					"message": "reservation would exceed the agent's privacy budget ceiling",
				}
			}
			if err := idempotency.Save(r.Context(), idemStore, agent, endpoint, status, body); err != nil {
				logger.Warn("idempotency save failed", "job_id", v.JobID, "err", err)
			}
			httpx.WriteJSON(w, status, body)
		})

		api.Post("/jobs/{job_id}/responses", func(w http.ResponseWriter, r *http.Request) {
			if !requireAgent(w, r) {
				return
			}
			jobID := chi.URLParam(r, "job_id")
			var resp protocol.NegotiationResponse
			if err := httpx.ReadJSON(r, &resp); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}

			s, err := registry.Respond(jobID, resp)
			if err != nil {
				writeSessionError(w, err)
				return
			}

			// A counter hands the merged proposal back to the local policy.
			if resp.Status == protocol.StatusCounterOffer && s.State() == session.StatePending {
				if err := evaluate(r.Context(), s); err != nil {
					logger.Warn("counter evaluation failed", "job_id", jobID, "err", err)
				}
			}

			v := s.View()
			finish(r.Context(), v)
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "session": v})
		})

		api.Post("/jobs/{job_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			if !requireAgent(w, r) {
				return
			}
			jobID := chi.URLParam(r, "job_id")
			var req struct {
				Reason string `json:"reason"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			s, err := registry.Get(jobID)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			if err := s.Cancel(req.Reason); err != nil {
				writeSessionError(w, err)
				return
			}
			v := s.View()
			finish(r.Context(), v)
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "session": v})
		})

		api.Get("/jobs/{job_id}", func(w http.ResponseWriter, r *http.Request) {
			s, err := registry.Get(chi.URLParam(r, "job_id"))
			if err != nil {
				writeSessionError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "session": s.View()})
		})

		api.Get("/jobs/{job_id}/contract", func(w http.ResponseWriter, r *http.Request) {
			jobID := chi.URLParam(r, "job_id")
			s, err := registry.Get(jobID)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			c, ok := s.Contract()
			if !ok {
				httpx.WriteError(w, 404, "NOT_FOUND", "no contract issued for job", nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "contract": c})
		})
	})

	logger.Info("listening", "port", *port)
	if err := http.ListenAndServe(":"+*port, r); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, session.ErrExpired):
		httpx.WriteError(w, 410, "EXPIRED", err.Error(), nil)
	case errors.Is(err, session.ErrStateConflict):
		httpx.WriteError(w, 409, "STATE_CONFLICT", err.Error(), nil)
	default:
		httpx.WriteValidationError(w, err)
	}
}

// buildSigner reads SIGNING_KEY_SEED (hex ed25519 seed). Without one the
// service signs with an ephemeral key, which is fine for dev and useless for
// anything else.
func buildSigner() (*signature.Ed25519Signer, error) {
	keyID := envOr("SIGNING_KEY_ID", "key_dev")
	seedHex := os.Getenv("SIGNING_KEY_SEED")
	if seedHex == "" {
		return signature.GenerateEd25519Signer(keyID)
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, errors.New("SIGNING_KEY_SEED must be 32 hex-encoded bytes")
	}
	return signature.NewEd25519Signer(ed25519.NewKeyFromSeed(seed), keyID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
