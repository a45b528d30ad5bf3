// Package models defines types shared across internal packages.
package models

import "time"

// Client represents a registered OAuth client, either dynamically
// registered or auto-provisioned on first authorize.
type Client struct {
	ClientID       string    `json:"client_id"`
	ClientSecret   string    `json:"client_secret"`
	ClientName     string    `json:"client_name,omitempty"`
	RedirectURIs   []string  `json:"redirect_uris"`
	CreatedAt      time.Time `json:"created_at"`
	AutoRegistered bool      `json:"auto_registered,omitempty"`
}

// AuthCode represents a pending single-use authorization code.
type AuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               string    `json:"scope"`
	AdminSessionToken   string    `json:"admin_session_token"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AccessToken represents an issued bearer credential.
type AccessToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	Resource  string    `json:"resource,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// AdminSession records an authenticated operator plus the Home Assistant
// host and API token they supplied at login.
type AdminSession struct {
	Token     string    `json:"token"`
	HAHost    string    `json:"ha_host"`
	HAToken   string    `json:"ha_token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry.
func (s *AdminSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasCredentials reports whether the session carries a usable Home
// Assistant host and token pair.
func (s *AdminSession) HasCredentials() bool {
	return s.HAHost != "" && s.HAToken != ""
}

// AuthenticatedSession ties an issued AccessToken back to the
// AdminSession active when the token was minted.
type AuthenticatedSession struct {
	AccessToken       string    `json:"access_token"`
	ClientID          string    `json:"client_id"`
	AdminSessionToken string    `json:"admin_session_token"`
	AuthenticatedAt   time.Time `json:"authenticated_at"`
}
