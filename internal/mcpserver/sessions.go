// Package mcpserver implements the MCP streamable HTTP transport: SSE
// or single-response negotiation, session correlation, JSON-RPC
// dispatch, and the Home Assistant tool catalog.
package mcpserver

import (
	"sync"
	"time"

	"hamcp/internal/auth"
	"hamcp/internal/homeassistant"
)

// Session is a logical, reconnectable protocol conversation. It is
// never deleted on disconnect: only the live stream is torn down, so a
// client reconnecting with the same id resumes where it left off.
type Session struct {
	ID            string
	CreatedAt     time.Time
	Authenticated bool

	// AdminToken links the session to the operator whose Home
	// Assistant credentials tool calls should use. Empty if unbound.
	AdminToken string
}

// Registry tracks protocol sessions and which of them have already
// received the unsolicited tool broadcast.
type Registry struct {
	store *auth.Store

	mu            sync.RWMutex
	sessions      map[string]*Session
	broadcastSent map[string]bool
}

// NewRegistry creates an empty session registry backed by the OAuth
// store for admin bindings.
func NewRegistry(store *auth.Store) *Registry {
	return &Registry{
		store:         store,
		sessions:      make(map[string]*Session),
		broadcastSent: make(map[string]bool),
	}
}

// Obtain returns the session for id, creating it on first sight. An
// empty id gets a generated one. A new session is bound to the admin
// session that most recently completed authorization with live
// credentials; the binding is fixed at creation and not re-validated
// per tool call.
func (r *Registry) Obtain(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != "" {
		if sess, ok := r.sessions[id]; ok {
			return sess
		}
	} else {
		id = auth.RandomHex(16)
	}

	sess := &Session{
		ID:        id,
		CreatedAt: time.Now(),
	}
	if admin := r.store.LatestAdminBinding(); admin != nil {
		sess.AdminToken = admin.Token
		sess.Authenticated = true
	}

	r.sessions[id] = sess
	return sess
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// MarkAuthenticated flags a session whose requests carried a valid
// bearer token, so later calls on the same session id pass auth even
// without the header.
func (r *Registry) MarkAuthenticated(id string) {
	r.mu.Lock()
	if sess, ok := r.sessions[id]; ok {
		sess.Authenticated = true
	}
	r.mu.Unlock()
}

// ResolveCredentials returns the Home Assistant credentials bound to a
// session. False means not bound, in which case the caller may fall
// back to process-wide defaults.
func (r *Registry) ResolveCredentials(id string) (homeassistant.Credentials, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok || sess.AdminToken == "" {
		return homeassistant.Credentials{}, false
	}

	admin := r.store.AdminSession(sess.AdminToken)
	if admin == nil || !admin.HasCredentials() {
		return homeassistant.Credentials{}, false
	}

	return homeassistant.Credentials{Host: admin.HAHost, Token: admin.HAToken}, true
}

// ClaimBroadcast reports whether the unsolicited tool broadcast is
// still pending for a session id, and marks it sent. The mark survives
// stream teardown so reconnects do not get a duplicate flood.
func (r *Registry) ClaimBroadcast(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.broadcastSent[id] {
		return false
	}
	r.broadcastSent[id] = true
	return true
}

// ResetBroadcast clears broadcast tracking for a session id, making
// the next stream on that id receive the tool broadcast again. The
// session itself is untouched.
func (r *Registry) ResetBroadcast(id string) {
	r.mu.Lock()
	delete(r.broadcastSent, id)
	r.mu.Unlock()
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
