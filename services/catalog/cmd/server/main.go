package main

import (
	"crypto/rand"
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
	"fedmarket/services/catalog/store"
)

func main() {
	port := pflag.String("port", envOr("SERVICE_PORT", "8082"), "listen port")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "catalog")

	pool := db.MustConnect()
	st := store.New(pool)

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/catalog", func(api chi.Router) {

		api.Put("/agents/{agent_id}/profile", func(w http.ResponseWriter, r *http.Request) {
			agentID := chi.URLParam(r, "agent_id")
			var profile protocol.DataResourceProfile
			if err := httpx.ReadJSON(r, &profile); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			profile.AgentID = agentID
			if err := profile.Validate(); err != nil {
				httpx.WriteValidationError(w, err)
				return
			}
			pub, err := st.PublishProfile(r.Context(), profile)
			if err != nil {
				if errors.Is(err, store.ErrProfilePublished) {
					httpx.WriteError(w, 409, "PROFILE_PUBLISHED", "profiles are immutable once published", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "profile": pub})
		})

		api.Get("/agents/{agent_id}/profile", func(w http.ResponseWriter, r *http.Request) {
			agentID := chi.URLParam(r, "agent_id")
			pub, err := st.GetProfile(r.Context(), agentID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					httpx.WriteError(w, 404, "NOT_FOUND", "no profile published for agent", nil)
					return
				}
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "profile": pub})
		})

		api.Post("/agents/{agent_id}/credentials", func(w http.ResponseWriter, r *http.Request) {
			agentID := chi.URLParam(r, "agent_id")
			var req struct {
				Scopes []string `json:"scopes"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			token := "agt_live_" + randomToken()
			if err := st.CreateCredential(r.Context(), agentID, authn.HashToken(token), req.Scopes); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id": httpx.NewRequestID(),
				"agent_id":   agentID,
				"scopes":     req.Scopes,
				"credentials": map[string]any{
					"token":      token,
					"token_hint": "store once; not retrievable again",
				},
			})
		})

		api.Delete("/agents/{agent_id}/credentials", func(w http.ResponseWriter, r *http.Request) {
			agentID := chi.URLParam(r, "agent_id")
			if err := st.RevokeCredentials(r.Context(), agentID); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "agent_id": agentID, "revoked": true})
		})
	})

	logger.Info("listening", "port", *port)
	if err := http.ListenAndServe(":"+*port, r); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
