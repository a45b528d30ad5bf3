package auth

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hamcp/internal/models"
)

// HandleApprove returns the POST /oauth/approve handler. A valid admin
// session cookie is required; the minted code carries the admin session
// token so the token exchange can tie the access token back to the
// operator's Home Assistant credentials.
func HandleApprove(store *Store, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}

		adminToken := adminSessionToken(store, r)
		if adminToken == "" {
			http.Error(w, "admin session required, sign in first", http.StatusUnauthorized)
			return
		}

		if !store.ConsumeCSRF(r.FormValue("csrf_token")) {
			http.Error(w, "invalid or expired form, reload the page", http.StatusBadRequest)
			return
		}

		clientID := r.FormValue("client_id")
		redirectURI := r.FormValue("redirect_uri")

		client := store.GetClient(clientID)
		if client == nil {
			http.Error(w, "unknown client_id", http.StatusBadRequest)
			return
		}

		if redirectURI == "" || !validateRedirectURI(client, redirectURI) {
			http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
			return
		}

		state := r.FormValue("state")

		codeChallenge := r.FormValue("code_challenge")
		if codeChallenge == "" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
			return
		}

		ac := &models.AuthCode{
			Code:                RandomHex(authCodeBytes),
			ClientID:            clientID,
			RedirectURI:         redirectURI,
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: r.FormValue("code_challenge_method"),
			Scope:               r.FormValue("scope"),
			AdminSessionToken:   adminToken,
			ExpiresAt:           time.Now().Add(codeExpiry),
		}
		store.SaveCode(ac)

		logger.Info("consent approved",
			slog.String("client_id", clientID),
			slog.String("redirect_uri", redirectURI),
		)

		params := url.Values{}
		params.Set("code", ac.Code)
		if state != "" {
			params.Set("state", state)
		}
		// RFC 9207 issuer identification, mix-up attack prevention.
		params.Set("iss", serverURL)

		sep := "?"
		if strings.Contains(redirectURI, "?") {
			sep = "&"
		}

		http.Redirect(w, r, redirectURI+sep+params.Encode(), http.StatusFound)
	}
}
