package mcpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hamcp/internal/auth"
	"hamcp/internal/homeassistant"
)

const (
	// protocolVersion is the MCP revision this transport negotiates.
	protocolVersion = "2024-11-05"

	// sessionHeader correlates requests to a protocol session.
	sessionHeader = "Mcp-Session-Id"

	// heartbeatInterval paces liveness pings on a streaming channel.
	heartbeatInterval = 8 * time.Second

	// broadcastDelay is how long a new stream waits before the
	// unsolicited tool broadcast, giving the client time to settle.
	broadcastDelay = 1 * time.Second

	// maxBodyBytes caps JSON-RPC request bodies.
	maxBodyBytes = 1 * 1024 * 1024
)

// JSON-RPC error codes. codeUnauthorized is the server-specific code
// carrying the OAuth discovery pointer in its data.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// notification is a server-initiated JSON-RPC message.
type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Config wires the transport handler.
type Config struct {
	Store    *auth.Store
	Registry *Registry
	Catalog  *Catalog
	Logger   *slog.Logger

	// ServerURL is the externally visible base URL, used to point
	// unauthorized callers at the OAuth discovery document.
	ServerURL string

	// DefaultCreds is the process-wide fallback for sessions with no
	// admin binding. Zero value means no fallback.
	DefaultCreds homeassistant.Credentials

	// LenientDiscovery makes unrecognized methods answer as tool
	// discovery instead of method-not-found.
	LenientDiscovery bool

	Version string
}

// Handler is the MCP streamable HTTP endpoint. GET with an SSE Accept
// header opens a push channel; POST carries JSON-RPC; DELETE releases
// the stream-level state while keeping the session resumable.
type Handler struct {
	cfg Config
}

// NewHandler creates the transport handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if acceptsSSE(r) {
			h.serveStream(w, r)
			return
		}
		h.serveServerInfo(w)
	case http.MethodPost:
		h.dispatch(w, r)
	case http.MethodDelete:
		h.releaseSession(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// acceptsSSE reports whether the client negotiated a streaming channel.
func acceptsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// sessionID extracts the session id from the header, falling back to
// the query parameter some SSE clients use.
func sessionID(r *http.Request) string {
	if id := r.Header.Get(sessionHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("sessionId")
}

// serveServerInfo answers a plain GET with a JSON description of the
// endpoint, for clients probing without SSE support.
func (h *Handler) serveServerInfo(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"name":            "hamcp-bridge",
		"version":         h.cfg.Version,
		"protocolVersion": protocolVersion,
		"transport":       "streamable-http",
		"authorization":   h.cfg.ServerURL + "/.well-known/oauth-authorization-server",
	})
}

// releaseSession handles DELETE: broadcast tracking for the session id
// is reset so a fresh stream gets the tool announcement again, but the
// session and its credential binding stay intact for reconnection.
func (h *Handler) releaseSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	if id != "" {
		h.cfg.Registry.ResetBroadcast(id)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "session released"})
}

// --- streaming channel ---

// serveStream owns one SSE connection: an unsolicited tool broadcast
// shortly after entry (once per session id) and a heartbeat until the
// peer disconnects. Disconnect tears down only the stream.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := h.cfg.Registry.Obtain(sessionID(r))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(sessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.cfg.Logger.Debug("stream opened", slog.String("session_id", sess.ID))

	ctx := r.Context()

	broadcast := time.NewTimer(broadcastDelay)
	defer broadcast.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.cfg.Logger.Debug("stream closed", slog.String("session_id", sess.ID))
			return

		case <-broadcast.C:
			if !h.cfg.Registry.ClaimBroadcast(sess.ID) {
				continue
			}

			creds, haveCreds := h.resolveCreds(sess.ID)
			tools := h.cfg.Catalog.List(ctx, creds, haveCreds)

			writeSSE(w, "message", notification{
				JSONRPC: "2.0",
				Method:  "notifications/tools/list_changed",
				Params:  map[string]any{"tools": tools},
			})
			flusher.Flush()

			h.cfg.Logger.Debug("tool broadcast sent",
				slog.String("session_id", sess.ID),
				slog.Int("tools", len(tools)),
			)

		case <-heartbeat.C:
			writeSSE(w, "ping", map[string]any{"timestamp": time.Now().Unix()})
			flusher.Flush()
		}
	}
}

// writeSSE emits one server-sent event.
func writeSSE(w io.Writer, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// --- request/response channel ---

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, nil, codeParseError, "reading request body failed", nil)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, nil, codeParseError, "parse error", nil)
		return
	}

	sid := sessionID(r)

	switch parseMethod(req.Method) {
	case methodInitialize:
		h.handleInitialize(w, r, req, sid)

	case methodInitialized:
		// Acknowledged, nothing to do. Notifications get no body.
		w.WriteHeader(http.StatusAccepted)

	case methodPing:
		h.writeResult(w, sid, req.ID, map[string]any{})

	case methodToolsList:
		h.handleToolsList(w, r, req, sid)

	case methodToolsCall:
		h.handleToolsCall(w, r, req, sid)

	case methodPromptsList:
		if h.cfg.LenientDiscovery {
			h.handleToolsList(w, r, req, sid)
			return
		}
		h.writeResult(w, sid, req.ID, map[string]any{"prompts": []any{}})

	case methodResourcesList:
		h.writeResult(w, sid, req.ID, map[string]any{"resources": []any{}})

	case methodUnrecognized:
		// Some clients probe with nonstandard method names and expect
		// the tool catalog back. Kept as an explicit, configurable
		// compatibility policy.
		if h.cfg.LenientDiscovery {
			h.cfg.Logger.Debug("unrecognized method served as tool discovery",
				slog.String("method", req.Method),
			)
			h.handleToolsList(w, r, req, sid)
			return
		}
		h.writeError(w, req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, req rpcRequest, sid string) {
	sess := h.cfg.Registry.Obtain(sid)

	// Bearer auth presented at initialize sticks to the session.
	if h.bearerValid(r) {
		h.cfg.Registry.MarkAuthenticated(sess.ID)
	}

	h.cfg.Logger.Info("session initialized",
		slog.String("session_id", sess.ID),
		slog.Bool("authenticated", h.cfg.Registry.Get(sess.ID).Authenticated),
	)

	// The session id travels in a response header, not the JSON body.
	h.writeResult(w, sess.ID, req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    "hamcp-bridge",
			"version": h.cfg.Version,
		},
	})
}

func (h *Handler) handleToolsList(w http.ResponseWriter, r *http.Request, req rpcRequest, sid string) {
	creds, haveCreds := h.resolveCreds(sid)
	tools := h.cfg.Catalog.List(r.Context(), creds, haveCreds)

	h.writeResult(w, sid, req.ID, map[string]any{"tools": tools})
}

// callParams is the tools/call parameter shape.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest, sid string) {
	if !h.authorized(r, sid) {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer resource_metadata=%q`, h.cfg.ServerURL+"/.well-known/oauth-protected-resource"))
		h.writeError(w, req.ID, codeUnauthorized, "authentication required", map[string]string{
			"auth_url": h.cfg.ServerURL + "/.well-known/oauth-authorization-server",
		})
		return
	}

	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		h.writeError(w, req.ID, codeInvalidParams, "tools/call requires name and arguments", nil)
		return
	}

	creds, haveCreds := h.resolveCreds(sid)
	if !haveCreds {
		// No admin binding and no configured default: the call cannot
		// reach any Home Assistant. Reported as a tool error, not a
		// transport failure.
		h.writeResult(w, sid, req.ID, errorResult(
			"no Home Assistant credentials bound to this session; complete the OAuth flow or configure defaults"))
		return
	}

	h.cfg.Logger.Info("tool call",
		slog.String("session_id", sid),
		slog.String("tool", params.Name),
	)

	result := h.cfg.Catalog.Call(r.Context(), creds, params.Name, params.Arguments)
	h.writeResult(w, sid, req.ID, result)
}

// --- auth and credential resolution ---

// bearerValid checks the Authorization header against issued tokens.
func (h *Handler) bearerValid(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return h.cfg.Store.ValidateToken(strings.TrimPrefix(header, "Bearer ")) != nil
}

// authorized passes when the request carries a valid bearer token or
// the session was previously authenticated.
func (h *Handler) authorized(r *http.Request, sid string) bool {
	if h.bearerValid(r) {
		if sid != "" {
			h.cfg.Registry.MarkAuthenticated(sid)
		}
		return true
	}

	sess := h.cfg.Registry.Get(sid)
	return sess != nil && sess.Authenticated
}

// resolveCreds finds the Home Assistant credentials for a session,
// falling back to the process-wide default when unbound.
func (h *Handler) resolveCreds(sid string) (homeassistant.Credentials, bool) {
	if creds, ok := h.cfg.Registry.ResolveCredentials(sid); ok {
		return creds, true
	}
	if h.cfg.DefaultCreds.Host != "" && h.cfg.DefaultCreds.Token != "" {
		return h.cfg.DefaultCreds, true
	}
	return homeassistant.Credentials{}, false
}

// --- response writers ---

func (h *Handler) writeResult(w http.ResponseWriter, sid string, id json.RawMessage, result any) {
	if sid != "" {
		w.Header().Set(sessionHeader, sid)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message, Data: data},
	})
}
