// Package auth implements the OAuth 2.1 authorization engine for the
// bridge. It acts as both the authorization server and resource server.
// Admin sessions, access tokens, and authenticated sessions survive a
// restart via the snapshot persister; codes and clients do not.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"hamcp/internal/models"
)

const (
	// codeExpiry bounds the exposure window of an intercepted redirect.
	codeExpiry = 10 * time.Minute

	// tokenExpiry matches the long-lived tokens Home Assistant itself
	// issues. Tokens are revocable via DELETE /tokens/{token}.
	tokenExpiry = 365 * 24 * time.Hour

	// adminSessionExpiry is the server-side lifetime of an admin
	// session. The browser cookie expires much sooner.
	adminSessionExpiry = 365 * 24 * time.Hour

	// csrfExpiry controls how long a CSRF token remains valid.
	csrfExpiry = 10 * time.Minute

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute

	// maxClients caps the number of registered clients to prevent
	// unbounded growth from unauthenticated registration requests.
	maxClients = 100
)

// Persister saves a state snapshot to durable storage. Called
// synchronously after every mutating operation on persisted state.
type Persister interface {
	Save(*Snapshot) error
}

// csrfEntry tracks a CSRF token with its expiry time.
type csrfEntry struct {
	expiresAt time.Time
}

// Store holds all OAuth state behind one lock.
type Store struct {
	mu            sync.RWMutex
	clients       map[string]*models.Client
	codes         map[string]*models.AuthCode
	tokens        map[string]*models.AccessToken
	adminSessions map[string]*models.AdminSession
	authByToken   map[string]*models.AuthenticatedSession
	authByClient  map[string]*models.AuthenticatedSession
	csrf          map[string]csrfEntry
	stopGC        chan struct{}

	persister Persister
	logger    *slog.Logger

	// registrationTimes tracks recent registration timestamps for
	// rate limiting unauthenticated /oauth/register requests.
	registrationTimes []time.Time
}

// NewStore creates an OAuth store and starts a background goroutine
// that periodically removes expired entries. persister may be nil, in
// which case state is memory-only. Call Stop() to clean up the goroutine.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	s := &Store{
		clients:       make(map[string]*models.Client),
		codes:         make(map[string]*models.AuthCode),
		tokens:        make(map[string]*models.AccessToken),
		adminSessions: make(map[string]*models.AdminSession),
		authByToken:   make(map[string]*models.AuthenticatedSession),
		authByClient:  make(map[string]*models.AuthenticatedSession),
		csrf:          make(map[string]csrfEntry),
		stopGC:        make(chan struct{}),
		persister:     persister,
		logger:        logger,
	}
	go s.gcLoop()
	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopGC)
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries from the store.
func (s *Store) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ac := range s.codes {
		if now.After(ac.ExpiresAt) {
			delete(s.codes, k)
		}
	}
	for k, entry := range s.csrf {
		if now.After(entry.expiresAt) {
			delete(s.csrf, k)
		}
	}
	for k, t := range s.tokens {
		if t.Expired(now) {
			delete(s.tokens, k)
			if as, ok := s.authByToken[k]; ok {
				delete(s.authByToken, k)
				if s.authByClient[as.ClientID] == as {
					delete(s.authByClient, as.ClientID)
				}
			}
		}
	}
	for k, sess := range s.adminSessions {
		if sess.Expired(now) {
			delete(s.adminSessions, k)
		}
	}
}

// save hands a snapshot to the persister, if one is configured.
// Callers build the snapshot under the lock and call save outside it,
// so file I/O never blocks readers.
func (s *Store) save(snap *Snapshot) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(snap); err != nil {
		s.logger.Warn("persisting session state failed", slog.String("error", err.Error()))
	}
}

// --- Clients ---

// RegisterClient stores a new client registration. Returns false if the
// maximum number of registered clients has been reached.
func (s *Store) RegisterClient(c *models.Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= maxClients {
		return false
	}
	s.clients[c.ClientID] = c
	return true
}

// AutoRegisterClient provisions a client record for an unknown client_id
// seen on /oauth/authorize. First write wins: if the id is already
// registered, the existing record is returned untouched so an in-flight
// flow cannot have its redirect target swapped.
func (s *Store) AutoRegisterClient(clientID, redirectURI string) *models.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.clients[clientID]; ok {
		return existing
	}
	if len(s.clients) >= maxClients {
		return nil
	}

	c := &models.Client{
		ClientID:       clientID,
		ClientSecret:   RandomHex(32),
		RedirectURIs:   []string{redirectURI},
		CreatedAt:      time.Now(),
		AutoRegistered: true,
	}
	s.clients[clientID] = c
	return c
}

// GetClient returns the client for a given client_id, or nil.
func (s *Store) GetClient(clientID string) *models.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[clientID]
}

// RegistrationAllowed checks whether a new registration is allowed under
// the rate limit (10 registrations per minute). Returns false if the
// limit is exceeded.
func (s *Store) RegistrationAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	window := now.Add(-1 * time.Minute)

	valid := s.registrationTimes[:0]
	for _, t := range s.registrationTimes {
		if t.After(window) {
			valid = append(valid, t)
		}
	}
	s.registrationTimes = valid

	if len(s.registrationTimes) >= 10 {
		return false
	}
	s.registrationTimes = append(s.registrationTimes, now)
	return true
}

// --- Authorization codes ---

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ac *models.AuthCode) {
	s.mu.Lock()
	s.codes[ac.Code] = ac
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code in one step,
// so a code can never be exchanged twice. Returns nil if not found.
// Expiry is the caller's concern: an expired code must be reported
// differently from an unknown one.
func (s *Store) ConsumeCode(code string) *models.AuthCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	ac, ok := s.codes[code]
	if !ok {
		return nil
	}
	delete(s.codes, code)
	return ac
}

// --- Access tokens and authenticated sessions ---

// SaveToken stores an access token together with the authenticated
// session that ties it to an admin session, and persists.
func (s *Store) SaveToken(t *models.AccessToken, as *models.AuthenticatedSession) {
	s.mu.Lock()
	s.tokens[t.Token] = t
	if as != nil {
		s.authByToken[as.AccessToken] = as
		s.authByClient[as.ClientID] = as
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.save(snap)
}

// ValidateToken checks if a token is valid and not expired. An expired
// token is evicted on the spot. Returns nil if invalid.
func (s *Store) ValidateToken(token string) *models.AccessToken {
	s.mu.RLock()
	t, ok := s.tokens[token]
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	if t.Expired(time.Now()) {
		s.RevokeToken(token)
		return nil
	}
	return t
}

// RevokeToken deletes a token and its authenticated session entries,
// then persists. Returns false if the token was not present.
func (s *Store) RevokeToken(token string) bool {
	s.mu.Lock()
	_, ok := s.tokens[token]
	if ok {
		delete(s.tokens, token)
		if as, found := s.authByToken[token]; found {
			delete(s.authByToken, token)
			if s.authByClient[as.ClientID] == as {
				delete(s.authByClient, as.ClientID)
			}
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if ok {
		s.save(snap)
	}
	return ok
}

// ListTokens returns all unexpired access tokens.
func (s *Store) ListTokens() []*models.AccessToken {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AccessToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		if !t.Expired(now) {
			out = append(out, t)
		}
	}
	return out
}

// AuthenticatedSessionForToken returns the authenticated session minted
// alongside the given access token, or nil.
func (s *Store) AuthenticatedSessionForToken(token string) *models.AuthenticatedSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authByToken[token]
}

// --- Admin sessions ---

// SaveAdminSession stores an admin session and persists. Concurrent
// logins are last-writer-wins.
func (s *Store) SaveAdminSession(sess *models.AdminSession) {
	s.mu.Lock()
	s.adminSessions[sess.Token] = sess
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.save(snap)
}

// AdminSession returns the admin session for a token, or nil if absent
// or expired. Expired entries are evicted lazily by the gc loop.
func (s *Store) AdminSession(token string) *models.AdminSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.adminSessions[token]
	if !ok || sess.Expired(time.Now()) {
		return nil
	}
	return sess
}

// LatestAdminBinding returns the admin session that most recently
// completed authorization and still has live credentials, or nil.
// Authenticated sessions (token exchanges) and bare admin logins are
// both eligible; the most recent timestamp wins.
func (s *Store) LatestAdminBinding() *models.AdminSession {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best   *models.AdminSession
		bestAt time.Time
	)

	consider := func(sess *models.AdminSession, at time.Time) {
		if sess == nil || sess.Expired(now) || !sess.HasCredentials() {
			return
		}
		if best == nil || at.After(bestAt) {
			best = sess
			bestAt = at
		}
	}

	for _, as := range s.authByToken {
		if t, ok := s.tokens[as.AccessToken]; !ok || t.Expired(now) {
			continue
		}
		consider(s.adminSessions[as.AdminSessionToken], as.AuthenticatedAt)
	}
	for _, sess := range s.adminSessions {
		consider(sess, sess.CreatedAt)
	}

	return best
}

// --- CSRF ---

// SaveCSRF stores a CSRF token with a fixed expiry.
func (s *Store) SaveCSRF(token string) {
	s.mu.Lock()
	s.csrf[token] = csrfEntry{expiresAt: time.Now().Add(csrfExpiry)}
	s.mu.Unlock()
}

// ConsumeCSRF retrieves and deletes a CSRF token.
// Returns false if the token is not found, empty, or expired.
func (s *Store) ConsumeCSRF(token string) bool {
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.csrf[token]
	if !ok {
		return false
	}
	delete(s.csrf, token)
	return time.Now().Before(entry.expiresAt)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
