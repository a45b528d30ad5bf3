package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	herrors "hamcp/internal/errors"
	"hamcp/internal/models"
)

// tokenRequest is the /oauth/token request body. Accepted as JSON or
// form-encoded, some MCP clients send either.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	CodeVerifier string `json:"code_verifier"`
}

// tokenResponse is the successful /oauth/token response body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// oauthError writes an RFC 6749 error response body.
func oauthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// verifyPKCE checks an S256 code verifier against the stored challenge:
// base64url(sha256(verifier)) must equal the challenge bit-for-bit.
func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// HandleToken returns the POST /oauth/token handler. Each rejection has
// a distinct description so the client knows whether the code was
// unknown, expired, issued to another client, or failed PKCE.
func HandleToken(store *Store, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		req, ok := decodeTokenRequest(w, r)
		if !ok {
			return
		}

		if req.GrantType != "" && req.GrantType != "authorization_code" {
			oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
			return
		}

		if req.Code == "" {
			oauthError(w, http.StatusBadRequest, "invalid_request", "code is required")
			return
		}

		// Consumption is atomic: the code is gone from the store even
		// if a later check fails, so it can never be retried.
		ac := store.ConsumeCode(req.Code)
		if ac == nil {
			oauthError(w, http.StatusBadRequest, "invalid_grant", herrors.ErrInvalidCode.Error())
			return
		}

		if time.Now().After(ac.ExpiresAt) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", herrors.ErrExpiredCode.Error())
			return
		}

		if req.ClientID != ac.ClientID {
			oauthError(w, http.StatusBadRequest, "invalid_grant", herrors.ErrClientMismatch.Error())
			return
		}

		if req.RedirectURI != "" && req.RedirectURI != ac.RedirectURI {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
			return
		}

		if ac.CodeChallenge != "" {
			if req.CodeVerifier == "" || !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
				oauthError(w, http.StatusBadRequest, "invalid_grant", herrors.ErrPKCEFailure.Error())
				return
			}
		}

		now := time.Now()
		token := &models.AccessToken{
			Token:     RandomHex(32),
			ClientID:  ac.ClientID,
			Scope:     ac.Scope,
			Resource:  serverURL,
			CreatedAt: now,
			ExpiresAt: now.Add(tokenExpiry),
		}
		authSess := &models.AuthenticatedSession{
			AccessToken:       token.Token,
			ClientID:          ac.ClientID,
			AdminSessionToken: ac.AdminSessionToken,
			AuthenticatedAt:   now,
		}
		store.SaveToken(token, authSess)

		logger.Info("token issued",
			slog.String("client_id", ac.ClientID),
			slog.String("scope", ac.Scope),
		)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: token.Token,
			TokenType:   "Bearer",
			ExpiresIn:   int64(tokenExpiry.Seconds()),
			Scope:       token.Scope,
		})
	}
}

// decodeTokenRequest reads the request body as JSON or a form,
// depending on Content-Type.
func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	var req tokenRequest

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return req, false
		}
		return req, true
	}

	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return req, false
	}

	req.GrantType = r.FormValue("grant_type")
	req.Code = r.FormValue("code")
	req.RedirectURI = r.FormValue("redirect_uri")
	req.ClientID = r.FormValue("client_id")
	req.CodeVerifier = r.FormValue("code_verifier")

	return req, true
}
