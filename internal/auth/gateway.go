// Package auth is the gateway guarding every operator-facing operation:
// credential verification, rate-limited login, session-token lifetime, and
// the one-time onboarding flow.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/frostr-org/igloo-server/internal/db"
	"github.com/frostr-org/igloo-server/internal/metrics"
)

var (
	// ErrBadCredentials covers unknown users and wrong passwords alike.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrOnboardingClosed means an admin already exists or the admin
	// secret was already consumed.
	ErrOnboardingClosed = errors.New("onboarding is closed")
	// ErrDisabled means no authentication method is configured.
	ErrDisabled = errors.New("authentication is disabled")
)

// RateLimitedError carries the Retry-After hint for 429 responses.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// UserStore is the subset of db.Store used by the gateway.
type UserStore interface {
	CreateUser(username, salt, verifier string, isAdmin bool) (int64, error)
	GetUserByUsername(username string) (*db.UserRow, bool)
	CountUsers() (int, error)
}

// Gateway wires credential verification, the rate limiter, and the token
// store together.
type Gateway struct {
	users   UserStore
	Tokens  *TokenStore
	limiter *RateLimiter

	enabled     bool
	apiKey      string
	adminSecret string
	// adminConsumed flips once onboarding succeeds; the secret is never
	// accepted again within this process, and a fresh start with an admin
	// already present never accepts it at all.
	adminConsumed atomic.Bool

	// OnLogin is invoked with the user id and a copy of the unwrap key
	// after every successful login (the broker uses it to unlock the
	// identity signer). OnLogout runs when the last live token goes away.
	OnLogin  func(userID int64, unwrapKey []byte)
	OnLogout func()

	window time.Duration
	max    int
	idle   time.Duration
}

// Options configures a Gateway.
type Options struct {
	Enabled         bool
	APIKey          string
	AdminSecret     string
	RateLimitWindow time.Duration
	RateLimitMax    int
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
}

// NewGateway creates the auth gateway. persist may be nil for tests.
func NewGateway(users UserStore, persist TokenPersistence, opts Options) *Gateway {
	return &Gateway{
		users:       users,
		Tokens:      NewTokenStore(opts.IdleTimeout, opts.AbsoluteTimeout, persist),
		limiter:     NewRateLimiter(opts.RateLimitWindow, opts.RateLimitMax),
		enabled:     opts.Enabled,
		apiKey:      opts.APIKey,
		adminSecret: opts.AdminSecret,
		window:      opts.RateLimitWindow,
		max:         opts.RateLimitMax,
		idle:        opts.IdleTimeout,
	}
}

// Enabled reports whether any authentication method is active.
func (g *Gateway) Enabled() bool { return g.enabled }

// Describe returns the fields for /api/auth/status.
func (g *Gateway) Describe() map[string]any {
	methods := []string{}
	if g.enabled {
		methods = append(methods, "basic")
	}
	if g.apiKey != "" {
		methods = append(methods, "api-key")
	}
	return map[string]any{
		"enabled":            g.enabled,
		"methods":            methods,
		"rate_limit_window":  g.window.String(),
		"rate_limit_max":     g.max,
		"idle_timeout":       g.idle.String(),
		"onboarding_open":    g.OnboardingOpen(),
		"live_sessions":      g.Tokens.Live(),
	}
}

// OnboardingOpen reports whether the one-time admin creation is available.
func (g *Gateway) OnboardingOpen() bool {
	if g.adminSecret == "" || g.adminConsumed.Load() {
		return false
	}
	n, err := g.users.CountUsers()
	return err == nil && n == 0
}

// RateLimit records an attempt from addr for any auth-relevant endpoint.
// Returns a *RateLimitedError when the window budget is exhausted.
func (g *Gateway) RateLimit(addr string) error {
	ok, retry := g.limiter.Allow(addr)
	if !ok {
		metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
		return &RateLimitedError{RetryAfter: retry}
	}
	return nil
}

// Login verifies credentials and issues a session token. addr feeds the
// rate limiter; callers must pass the client address for every attempt.
func (g *Gateway) Login(username, password, addr string) (string, error) {
	if !g.enabled {
		return "", ErrDisabled
	}
	if err := g.RateLimit(addr); err != nil {
		return "", err
	}

	user, ok := g.users.GetUserByUsername(username)
	if !ok {
		// Burn comparable time for unknown users so the response time
		// does not reveal which usernames exist.
		VerifyPassword(password, "00000000000000000000000000000000",
			"0000000000000000000000000000000000000000000000000000000000000000")
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		return "", ErrBadCredentials
	}

	unwrapKey, ok := VerifyPassword(password, user.Salt, user.Verifier)
	if !ok {
		metrics.AuthFailures.WithLabelValues("bad_credentials").Inc()
		return "", ErrBadCredentials
	}

	token, err := g.Tokens.Issue(user.ID, unwrapKey)
	if err != nil {
		Zero(unwrapKey)
		return "", err
	}
	slog.Info("login", "user", username)

	if g.OnLogin != nil {
		keyCopy := make([]byte, len(unwrapKey))
		copy(keyCopy, unwrapKey)
		g.OnLogin(user.ID, keyCopy)
	}
	return token, nil
}

// Logout revokes a token and zeroes its key material. When no live token
// still carries an unwrap key, the identity is locked again.
func (g *Gateway) Logout(token string) {
	g.Tokens.Revoke(token)
	if g.OnLogout != nil && !g.Tokens.HasUnwrapKey() {
		g.OnLogout()
	}
}

// Onboard performs the one-time first-admin creation. The presented secret
// must match ADMIN_SECRET; on success the secret is consumed for good.
func (g *Gateway) Onboard(secret, username, password, addr string) (token string, err error) {
	if err := g.RateLimit(addr); err != nil {
		return "", err
	}
	if !g.OnboardingOpen() {
		return "", ErrOnboardingClosed
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(g.adminSecret)) != 1 {
		metrics.AuthFailures.WithLabelValues("bad_admin_secret").Inc()
		return "", ErrBadCredentials
	}
	if username == "" {
		return "", errors.New("username required")
	}
	if err := ValidatePassword(password); err != nil {
		return "", err
	}

	salt, verifier, err := HashPassword(password)
	if err != nil {
		return "", err
	}
	userID, err := g.users.CreateUser(username, salt, verifier, true)
	if err != nil {
		return "", fmt.Errorf("create admin: %w", err)
	}
	g.adminConsumed.Store(true)
	slog.Info("first admin created, onboarding closed", "user", username)

	unwrapKey, _ := VerifyPassword(password, salt, verifier)
	token, err = g.Tokens.Issue(userID, unwrapKey)
	if err != nil {
		Zero(unwrapKey)
		return "", err
	}
	if g.OnLogin != nil {
		keyCopy := make([]byte, len(unwrapKey))
		copy(keyCopy, unwrapKey)
		g.OnLogin(userID, keyCopy)
	}
	return token, nil
}

// CheckToken validates a session token.
func (g *Gateway) CheckToken(token string) (int64, bool) {
	return g.Tokens.Check(token)
}

// CheckAPIKey validates the static bearer key, when one is configured.
func (g *Gateway) CheckAPIKey(key string) bool {
	if g.apiKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(g.apiKey)) == 1
}
