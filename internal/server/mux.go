// Package server assembles the HTTP surface of the bridge.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"hamcp/internal/auth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store      *auth.Store
	Admin      auth.Admin
	Prober     auth.Prober
	MCPHandler http.Handler
	Logger     *slog.Logger
	ServerURL  string

	// AutoRegisterClients permits unknown client_ids to bootstrap on
	// /oauth/authorize.
	AutoRegisterClients bool

	Version string
}

// NewMux builds the HTTP mux: OAuth discovery, registration,
// authorization, login, consent, token exchange, token management,
// health, and the MCP transport at the root.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL))
	mux.HandleFunc("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(cfg.ServerURL))

	mux.HandleFunc("/oauth/register", auth.HandleRegistration(cfg.Store, cfg.Logger))
	mux.HandleFunc("/oauth/authorize", auth.HandleAuthorize(cfg.Store, cfg.Logger, cfg.AutoRegisterClients))
	mux.HandleFunc("/oauth/login", auth.HandleLogin(cfg.Store, cfg.Admin, cfg.Prober, cfg.Logger))
	mux.HandleFunc("/oauth/approve", auth.HandleApprove(cfg.Store, cfg.Logger, cfg.ServerURL))
	mux.HandleFunc("/oauth/token", auth.HandleToken(cfg.Store, cfg.Logger, cfg.ServerURL))

	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			auth.HandleTokenList(cfg.Store)(w, r)
		case http.MethodPost:
			http.Error(w, "use /tokens/register", http.StatusMethodNotAllowed)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/tokens/register", auth.HandleTokenRegister(cfg.Store, cfg.Logger, cfg.ServerURL))
	mux.HandleFunc("/tokens/", auth.HandleTokenRevoke(cfg.Store, cfg.Logger))

	mux.HandleFunc("/health", handleHealth)

	// The MCP transport lives at the root. Browsers (plain GET asking
	// for HTML) get a landing page instead.
	landing := landingHandler(cfg.ServerURL, cfg.Version)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet && wantsHTML(r) {
			landing(w, r)
			return
		}
		cfg.MCPHandler.ServeHTTP(w, r)
	})
	mux.Handle("/mcp", cfg.MCPHandler)

	return mux
}

// wantsHTML reports whether the request looks like a browser page load
// rather than an MCP client.
func wantsHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "text/event-stream")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
