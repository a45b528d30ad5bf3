package auth

import (
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"hamcp/internal/models"
)

const (
	// adminCookieName carries the admin session token in the browser.
	adminCookieName = "admin_session"

	// adminCookieMaxAge is the browser-side cookie lifetime. Much
	// shorter than the server-side session: an idle browser loses the
	// cookie, the session itself stays resumable via re-login.
	adminCookieMaxAge = 30 * time.Minute

	// csrfTokenBytes is the number of random bytes used to generate
	// a CSRF token (hex-encoded to twice this length).
	csrfTokenBytes = 16

	// authCodeBytes is the number of random bytes used to generate
	// an authorization code (hex-encoded to twice this length).
	authCodeBytes = 32

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000
)

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

const pageStyle = `
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 420px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent p { margin-bottom: 0.3rem; }
  .consent p:last-child { margin-bottom: 0; }
  .consent .redirect { color: #666; word-break: break-all; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  input[type="text"], input[type="password"], input[type="url"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    outline: none;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
  }
  button:hover { background: #333; }
`

// loginPage renders the admin login form. Alongside the operator
// credential it collects the Home Assistant host and API token, which
// are probed before the session is created. All echoed OAuth parameters
// pass through html/template escaping.
var loginPage = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Home Assistant MCP Bridge</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Home Assistant MCP Bridge</h1>
  <p class="sub">Sign in and connect your Home Assistant instance.</p>
  <div class="consent">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access.</p>
    {{if .RedirectURI}}<p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>{{end}}
  </div>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST" action="/oauth/login">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <label for="username">Username</label>
    <input type="text" id="username" name="username" value="{{.Username}}" autocomplete="username" required autofocus>
    <label for="password">Password</label>
    <input type="password" id="password" name="password" autocomplete="current-password" required>
    <label for="ha_host">Home Assistant URL</label>
    <input type="url" id="ha_host" name="ha_host" value="{{.HAHost}}" placeholder="https://homeassistant.local:8123" required>
    <label for="ha_api_token">Home Assistant API token</label>
    <input type="password" id="ha_api_token" name="ha_api_token" required>
    <button type="submit">Sign in</button>
  </form>
</div>
</body>
</html>`))

// consentPage renders the authorization approval prompt shown to an
// operator with a live admin session.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Home Assistant MCP Bridge</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Authorize access</h1>
  <p class="sub">An MCP client wants to use your Home Assistant connection.</p>
  <div class="consent">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting scope <code>{{if .Scope}}{{.Scope}}{{else}}mcp{{end}}</code>.</p>
    {{if .RedirectURI}}<p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>{{end}}
  </div>
  <form method="POST" action="/oauth/approve">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <button type="submit">Approve</button>
  </form>
</div>
</body>
</html>`))

// formData carries everything the login and consent templates render.
type formData struct {
	CSRFToken           string
	ClientID            string
	ClientName          string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Username            string
	HAHost              string
	Error               string
}

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After maxFailures within the window, further attempts are
// rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10
)

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	// Prevent unbounded growth from many distinct source IPs. When
	// the map gets large, prune all IPs whose most recent failure
	// has expired beyond the window.
	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}

	http.Redirect(w, r, redirectURI+sep+params.Encode(), http.StatusFound)
}

// generateCSRFToken creates and stores a random CSRF token.
func generateCSRFToken(store *Store) string {
	token := RandomHex(csrfTokenBytes)
	store.SaveCSRF(token)
	return token
}

// setSecurityHeaders applies headers common to all rendered pages.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
}

// HandleAuthorize returns the GET /oauth/authorize handler. With a live
// admin session cookie it renders the consent prompt, otherwise the
// login form. When autoRegister is enabled, an unknown client_id is
// provisioned on first sight with the presented redirect_uri; this lets
// clients that skip dynamic registration bootstrap themselves.
func HandleAuthorize(store *Store, logger *slog.Logger, autoRegister bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		clientID := q.Get("client_id")
		if clientID == "" {
			http.Error(w, "missing client_id", http.StatusBadRequest)
			return
		}

		redirectURI := q.Get("redirect_uri")

		client := store.GetClient(clientID)
		if client == nil {
			if !autoRegister || redirectURI == "" {
				http.Error(w, "unknown client_id", http.StatusBadRequest)
				return
			}

			client = store.AutoRegisterClient(clientID, redirectURI)
			if client == nil {
				http.Error(w, "maximum number of clients reached", http.StatusTooManyRequests)
				return
			}

			logger.Info("auto-registered client",
				slog.String("client_id", clientID),
				slog.String("redirect_uri", redirectURI),
			)
		}

		if redirectURI == "" {
			// RFC 6749 Section 3.1.2.3: when only one redirect URI is
			// registered, use it. Otherwise require an explicit value.
			if len(client.RedirectURIs) == 1 {
				redirectURI = client.RedirectURIs[0]
			} else {
				http.Error(w, "redirect_uri is required when multiple URIs are registered", http.StatusBadRequest)
				return
			}
		} else if !validateRedirectURI(client, redirectURI) {
			http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
			return
		}

		state := q.Get("state")

		responseType := q.Get("response_type")
		if responseType != "" && responseType != "code" {
			redirectWithError(w, r, redirectURI, state, "unsupported_response_type", "response_type must be \"code\"")
			return
		}

		codeChallenge := q.Get("code_challenge")
		if codeChallenge == "" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
			return
		}

		codeChallengeMethod := q.Get("code_challenge_method")
		if codeChallengeMethod != "" && codeChallengeMethod != "S256" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
			return
		}

		data := formData{
			CSRFToken:           generateCSRFToken(store),
			ClientID:            clientID,
			ClientName:          client.ClientName,
			RedirectURI:         redirectURI,
			State:               state,
			CodeChallenge:       codeChallenge,
			CodeChallengeMethod: codeChallengeMethod,
			Scope:               q.Get("scope"),
		}

		setSecurityHeaders(w)

		if adminSessionToken(store, r) != "" {
			_ = consentPage.Execute(w, data)
			return
		}

		_ = loginPage.Execute(w, data)
	}
}

// adminSessionToken resolves the admin_session cookie to a live admin
// session token, or "".
func adminSessionToken(store *Store, r *http.Request) string {
	c, err := r.Cookie(adminCookieName)
	if err != nil || c.Value == "" {
		return ""
	}
	if store.AdminSession(c.Value) == nil {
		return ""
	}
	return c.Value
}

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required for HTTPS URIs.
// For loopback URIs (http://127.0.0.1 or http://localhost), prefix
// matching is used so any port and path are accepted, following
// RFC 8252 Section 7.3.
func validateRedirectURI(client *models.Client, redirectURI string) bool {
	registered := client.RedirectURIs

	if len(registered) == 0 {
		u, err := url.Parse(redirectURI)
		if err != nil {
			return false
		}

		return u.Scheme == "http" && isLoopbackHost(u.Hostname())
	}

	for _, reg := range registered {
		if redirectURI == reg {
			return true
		}

		if isLocalhostPrefix(reg) && isLoopbackRedirect(redirectURI, reg) {
			return true
		}
	}

	return false
}

// isLocalhostPrefix returns true if the URI is an HTTP loopback prefix
// (http://127.0.0.1 or http://localhost) without a port or path, making
// it suitable for prefix matching per RFC 8252 Section 7.3.
func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

// isLoopbackHost returns true if the hostname is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// isLoopbackRedirect checks if redirectURI is a valid loopback redirect
// matching the registered prefix URI. It parses both as URLs and
// compares scheme and hostname to prevent DNS confusion attacks
// (e.g. 127.0.0.1.evil.com matching a 127.0.0.1 prefix).
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}
