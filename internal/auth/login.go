package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"hamcp/internal/models"
)

// Prober verifies that a Home Assistant host/token pair is live before
// an admin session is committed.
type Prober interface {
	Probe(ctx context.Context, host, token string) error
}

// Admin is the single configured operator credential. PasswordHash is
// a bcrypt hash produced by the hash-password subcommand.
type Admin struct {
	Username     string
	PasswordHash string
}

// check validates a presented username/password pair in constant time.
func (a Admin) check(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
	return userOK && passOK
}

// HandleLogin returns the POST /oauth/login handler. Bad operator
// credentials and a failed Home Assistant probe re-render the form with
// distinct inline errors, so the user knows which fields to fix. The
// session is only created, and the cookie only set, when both checks
// pass; host and token are accepted or rejected together.
func HandleLogin(store *Store, admin Admin, prober Prober, logger *slog.Logger) http.HandlerFunc {
	limiter := newLoginRateLimiter()

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

		data := formData{
			ClientID:            r.FormValue("client_id"),
			RedirectURI:         r.FormValue("redirect_uri"),
			State:               r.FormValue("state"),
			CodeChallenge:       r.FormValue("code_challenge"),
			CodeChallengeMethod: r.FormValue("code_challenge_method"),
			Scope:               r.FormValue("scope"),
			Username:            r.FormValue("username"),
			HAHost:              strings.TrimRight(r.FormValue("ha_host"), "/"),
		}

		rerender := func(status int, msg string) {
			data.CSRFToken = generateCSRFToken(store)
			data.Error = msg
			setSecurityHeaders(w)
			w.WriteHeader(status)
			_ = loginPage.Execute(w, data)
		}

		ip := remoteIP(r)
		if limiter.check(ip) {
			logger.Warn("login rate limited", slog.String("ip", ip))
			http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

			return
		}

		// A failed CSRF check may indicate a cross-site attack, so
		// return a plain error rather than re-rendering.
		if !store.ConsumeCSRF(r.FormValue("csrf_token")) {
			http.Error(w, "invalid or expired form, reload the page", http.StatusBadRequest)
			return
		}

		if !admin.check(data.Username, r.FormValue("password")) {
			limiter.record(ip)
			logger.Warn("admin login failed",
				slog.String("username", data.Username),
				slog.String("ip", ip),
			)
			rerender(http.StatusUnauthorized, "Invalid username or password.")

			return
		}

		haToken := r.FormValue("ha_api_token")
		if data.HAHost == "" || haToken == "" {
			rerender(http.StatusOK, "Home Assistant URL and API token are required.")
			return
		}

		if err := prober.Probe(r.Context(), data.HAHost, haToken); err != nil {
			logger.Warn("home assistant probe failed",
				slog.String("host", data.HAHost),
				slog.String("error", err.Error()),
			)
			rerender(http.StatusOK, "Could not reach Home Assistant with the given URL and token: "+err.Error())

			return
		}

		sess := &models.AdminSession{
			Token:     RandomHex(32),
			HAHost:    data.HAHost,
			HAToken:   haToken,
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(adminSessionExpiry),
		}
		store.SaveAdminSession(sess)

		logger.Info("admin login",
			slog.String("username", data.Username),
			slog.String("ha_host", data.HAHost),
			slog.String("ip", ip),
		)

		http.SetCookie(w, &http.Cookie{
			Name:     adminCookieName,
			Value:    sess.Token,
			Path:     "/",
			MaxAge:   int(adminCookieMaxAge.Seconds()),
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})

		// Back into the authorize flow, now with a session cookie.
		params := url.Values{}
		params.Set("client_id", data.ClientID)
		params.Set("redirect_uri", data.RedirectURI)
		params.Set("state", data.State)
		params.Set("code_challenge", data.CodeChallenge)
		params.Set("code_challenge_method", data.CodeChallengeMethod)
		params.Set("scope", data.Scope)

		http.Redirect(w, r, "/oauth/authorize?"+params.Encode(), http.StatusFound)
	}
}
