package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"hamcp/internal/models"
)

// maskToken truncates a token for listing. Enough to correlate with
// logs, not enough to replay.
func maskToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// tokenListEntry is one row of the GET /tokens response.
type tokenListEntry struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleTokenList returns the GET /tokens handler. Tokens are masked.
func HandleTokenList(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		tokens := store.ListTokens()
		sort.Slice(tokens, func(i, j int) bool {
			return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
		})

		entries := make([]tokenListEntry, 0, len(tokens))
		for _, t := range tokens {
			entries = append(entries, tokenListEntry{
				Token:     maskToken(t.Token),
				ClientID:  t.ClientID,
				Scope:     t.Scope,
				CreatedAt: t.CreatedAt,
				ExpiresAt: t.ExpiresAt,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tokens": entries,
			"count":  len(entries),
		})
	}
}

// HandleTokenRevoke returns the DELETE /tokens/{token} handler.
func HandleTokenRevoke(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token := strings.TrimPrefix(r.URL.Path, "/tokens/")
		if token == "" {
			http.Error(w, "missing token", http.StatusBadRequest)
			return
		}

		if !store.RevokeToken(token) {
			http.Error(w, "token not found", http.StatusNotFound)
			return
		}

		logger.Info("token revoked", slog.String("token", maskToken(token)))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "revoked"})
	}
}

// tokenRegisterRequest is the POST /tokens/register request body.
type tokenRegisterRequest struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

// HandleTokenRegister returns the POST /tokens/register handler, a
// shortcut for provisioning a bearer token without the browser flow.
// The token is bound to the most recent admin login so tool calls made
// with it resolve to that operator's Home Assistant.
func HandleTokenRegister(store *Store, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req tokenRegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		clientID := req.ClientID
		if clientID == "" {
			clientID = "direct-" + RandomHex(8)
		}

		scope := req.Scope
		if scope == "" {
			scope = "mcp"
		}

		now := time.Now()
		token := &models.AccessToken{
			Token:     RandomHex(32),
			ClientID:  clientID,
			Scope:     scope,
			Resource:  serverURL,
			CreatedAt: now,
			ExpiresAt: now.Add(tokenExpiry),
		}

		var authSess *models.AuthenticatedSession
		if admin := store.LatestAdminBinding(); admin != nil {
			authSess = &models.AuthenticatedSession{
				AccessToken:       token.Token,
				ClientID:          clientID,
				AdminSessionToken: admin.Token,
				AuthenticatedAt:   now,
			}
		}
		store.SaveToken(token, authSess)

		logger.Info("token registered directly",
			slog.String("client_id", clientID),
			slog.Bool("admin_bound", authSess != nil),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: token.Token,
			TokenType:   "Bearer",
			ExpiresIn:   int64(tokenExpiry.Seconds()),
			Scope:       scope,
		})
	}
}
