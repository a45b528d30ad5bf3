package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"hamcp/internal/models"
)

// maxRequestBody caps OAuth endpoint request bodies.
const maxRequestBody = 64 * 1024

// registrationRequest is the RFC 7591 dynamic registration request body.
type registrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name"`
}

// registrationResponse is the RFC 7591 registration response body.
type registrationResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"`
	ClientName            string   `json:"client_name,omitempty"`
	RedirectURIs          []string `json:"redirect_uris"`
	ClientSecretExpiresAt int64    `json:"client_secret_expires_at"`
}

// HandleRegistration returns the /oauth/register handler. The secret is
// issued for completeness but not required by the public PKCE flow.
func HandleRegistration(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !store.RegistrationAllowed() {
			http.Error(w, "registration rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		client := &models.Client{
			ClientID:     RandomHex(16),
			ClientSecret: RandomHex(32),
			ClientName:   req.ClientName,
			RedirectURIs: req.RedirectURIs,
			CreatedAt:    time.Now(),
		}

		if !store.RegisterClient(client) {
			http.Error(w, "maximum number of clients reached", http.StatusTooManyRequests)
			return
		}

		logger.Info("registered client",
			slog.String("client_id", client.ClientID),
			slog.String("client_name", client.ClientName),
			slog.Int("redirect_uris", len(client.RedirectURIs)),
		)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(registrationResponse{
			ClientID:              client.ClientID,
			ClientSecret:          client.ClientSecret,
			ClientName:            client.ClientName,
			RedirectURIs:          client.RedirectURIs,
			ClientSecretExpiresAt: 0,
		})
	}
}
