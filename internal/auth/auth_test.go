package auth

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostr-org/igloo-server/internal/db"
)

func TestPasswordHashVerify(t *testing.T) {
	salt, verifier, err := HashPassword("Correct-Horse-1")
	require.NoError(t, err)
	assert.Len(t, salt, saltLen*2)
	assert.Len(t, verifier, masterLen*2)

	key, ok := VerifyPassword("Correct-Horse-1", salt, verifier)
	require.True(t, ok)
	require.Len(t, key, masterLen)

	// The unwrap key is domain-separated from the stored verifier.
	assert.NotEqual(t, verifier, fmt.Sprintf("%x", key))

	_, ok = VerifyPassword("wrong-password", salt, verifier)
	assert.False(t, ok)

	_, ok = VerifyPassword("Correct-Horse-1", "zz", verifier)
	assert.False(t, ok)
}

func TestVerifyPasswordDeterministicUnwrapKey(t *testing.T) {
	salt, verifier, err := HashPassword("Correct-Horse-1")
	require.NoError(t, err)

	k1, ok := VerifyPassword("Correct-Horse-1", salt, verifier)
	require.True(t, ok)
	k2, ok := VerifyPassword("Correct-Horse-1", salt, verifier)
	require.True(t, ok)
	assert.Equal(t, k1, k2)
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("Abcdef1!"))
	assert.ErrorIs(t, ValidatePassword("Ab1!"), ErrWeakPassword)         // too short
	assert.ErrorIs(t, ValidatePassword("abcdefg1!"), ErrWeakPassword)    // no upper
	assert.ErrorIs(t, ValidatePassword("ABCDEFG1!"), ErrWeakPassword)    // no lower
	assert.ErrorIs(t, ValidatePassword("Abcdefgh!"), ErrWeakPassword)    // no digit
	assert.ErrorIs(t, ValidatePassword("Abcdefgh1"), ErrWeakPassword)    // no symbol
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(15*time.Minute, 5)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		ok, _ := rl.Allow("10.0.0.1")
		assert.True(t, ok, "attempt %d", i+1)
	}

	ok, retry := rl.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 15*time.Minute)

	// Other addresses have their own window.
	ok, _ = rl.Allow("10.0.0.2")
	assert.True(t, ok)

	// The window resets after it elapses.
	now = now.Add(15 * time.Minute)
	ok, _ = rl.Allow("10.0.0.1")
	assert.True(t, ok)
}

func TestRateLimiterRetryAfterFloor(t *testing.T) {
	rl := NewRateLimiter(2*time.Second, 1)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(1900 * time.Millisecond)
	ok, retry := rl.Allow("a")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retry, time.Second)
}

func TestTokenLifetimes(t *testing.T) {
	ts := NewTokenStore(30*time.Minute, 12*time.Hour, nil)
	now := time.Unix(1700000000, 0)
	ts.now = func() time.Time { return now }

	token, err := ts.Issue(1, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	assert.Len(t, token, 64)

	uid, ok := ts.Check(token)
	require.True(t, ok)
	assert.Equal(t, int64(1), uid)

	// Activity keeps the idle window open.
	now = now.Add(29 * time.Minute)
	_, ok = ts.Check(token)
	assert.True(t, ok)

	// Thirty-one idle minutes kills it.
	now = now.Add(31 * time.Minute)
	_, ok = ts.Check(token)
	assert.False(t, ok)
	_, ok = ts.Check(token)
	assert.False(t, ok)
}

func TestTokenAbsoluteTimeout(t *testing.T) {
	ts := NewTokenStore(30*time.Minute, 12*time.Hour, nil)
	now := time.Unix(1700000000, 0)
	ts.now = func() time.Time { return now }

	token, err := ts.Issue(1, nil)
	require.NoError(t, err)

	// Touch every 20 minutes; the absolute timeout still wins in the end.
	for i := 0; i < 36; i++ {
		now = now.Add(20 * time.Minute)
		ts.Check(token)
	}
	now = now.Add(20 * time.Minute)
	_, ok := ts.Check(token)
	assert.False(t, ok)
}

func TestTokenRevokeZeroesKey(t *testing.T) {
	ts := NewTokenStore(time.Hour, time.Hour, nil)

	token, err := ts.Issue(1, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	key, ok := ts.UnwrapKey(token)
	require.True(t, ok)
	assert.NotEmpty(t, key)
	assert.True(t, ts.HasUnwrapKey())

	ts.Revoke(token)
	_, ok = ts.Check(token)
	assert.False(t, ok)
	_, ok = ts.UnwrapKey(token)
	assert.False(t, ok)
	assert.False(t, ts.HasUnwrapKey())
}

// ─── Gateway ──────────────────────────────────────────────────────────────────

type fakeUsers struct {
	users  map[string]*db.UserRow
	nextID int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]*db.UserRow), nextID: 1}
}

func (f *fakeUsers) CreateUser(username, salt, verifier string, isAdmin bool) (int64, error) {
	id := f.nextID
	f.nextID++
	f.users[username] = &db.UserRow{ID: id, Username: username, Salt: salt, Verifier: verifier, IsAdmin: isAdmin}
	return id, nil
}

func (f *fakeUsers) GetUserByUsername(username string) (*db.UserRow, bool) {
	u, ok := f.users[username]
	return u, ok
}

func (f *fakeUsers) CountUsers() (int, error) { return len(f.users), nil }

func newTestGateway(users UserStore, adminSecret string) *Gateway {
	return NewGateway(users, nil, Options{
		Enabled:         true,
		AdminSecret:     adminSecret,
		RateLimitWindow: 15 * time.Minute,
		RateLimitMax:    100,
		IdleTimeout:     30 * time.Minute,
		AbsoluteTimeout: 12 * time.Hour,
	})
}

func TestOnboardingIsOneShot(t *testing.T) {
	users := newFakeUsers()
	g := newTestGateway(users, "letmein")
	require.True(t, g.OnboardingOpen())

	// Wrong secret does not consume.
	_, err := g.Onboard("wrong", "admin", "Abcdef1!", "10.0.0.1")
	assert.ErrorIs(t, err, ErrBadCredentials)
	assert.True(t, g.OnboardingOpen())

	// Weak password does not consume either.
	_, err = g.Onboard("letmein", "admin", "weak", "10.0.0.1")
	assert.ErrorIs(t, err, ErrWeakPassword)
	assert.True(t, g.OnboardingOpen())

	var gotLogin bool
	g.OnLogin = func(userID int64, key []byte) {
		gotLogin = true
		assert.Equal(t, int64(1), userID)
		assert.NotEmpty(t, key)
	}

	token, err := g.Onboard("letmein", "admin", "Abcdef1!", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, gotLogin)

	// The secret is consumed for good.
	assert.False(t, g.OnboardingOpen())
	_, err = g.Onboard("letmein", "admin2", "Abcdef1!", "10.0.0.1")
	assert.ErrorIs(t, err, ErrOnboardingClosed)
}

func TestOnboardingClosedWithExistingUsers(t *testing.T) {
	users := newFakeUsers()
	_, err := users.CreateUser("admin", "aa", "bb", true)
	require.NoError(t, err)

	g := newTestGateway(users, "letmein")
	assert.False(t, g.OnboardingOpen())
}

func TestLoginLifecycle(t *testing.T) {
	users := newFakeUsers()
	g := newTestGateway(users, "letmein")

	onboardToken, err := g.Onboard("letmein", "admin", "Abcdef1!", "10.0.0.1")
	require.NoError(t, err)

	_, err = g.Login("admin", "wrong-password", "10.0.0.1")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = g.Login("nobody", "Abcdef1!", "10.0.0.1")
	assert.ErrorIs(t, err, ErrBadCredentials)

	token, err := g.Login("admin", "Abcdef1!", "10.0.0.1")
	require.NoError(t, err)

	uid, ok := g.CheckToken(token)
	require.True(t, ok)
	assert.Equal(t, int64(1), uid)

	var loggedOut bool
	g.OnLogout = func() { loggedOut = true }

	// The onboarding token still carries an unwrap key, so the first logout
	// does not lock the signer.
	g.Logout(token)
	_, ok = g.CheckToken(token)
	assert.False(t, ok)
	assert.False(t, loggedOut)

	// Revoking the last key-carrying token does.
	g.Logout(onboardToken)
	assert.True(t, loggedOut)
	assert.False(t, g.Tokens.HasUnwrapKey())
}

func TestLoginRateLimited(t *testing.T) {
	users := newFakeUsers()
	g := NewGateway(users, nil, Options{
		Enabled:         true,
		RateLimitWindow: 15 * time.Minute,
		RateLimitMax:    2,
		IdleTimeout:     30 * time.Minute,
		AbsoluteTimeout: 12 * time.Hour,
	})

	g.Login("admin", "x", "10.0.0.9")
	g.Login("admin", "x", "10.0.0.9")
	_, err := g.Login("admin", "x", "10.0.0.9")

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))
}

func TestAPIKeyCheck(t *testing.T) {
	g := NewGateway(newFakeUsers(), nil, Options{Enabled: true, APIKey: "sekrit"})
	assert.True(t, g.CheckAPIKey("sekrit"))
	assert.False(t, g.CheckAPIKey("nope"))
	assert.False(t, g.CheckAPIKey(""))

	noKey := NewGateway(newFakeUsers(), nil, Options{Enabled: true})
	assert.False(t, noKey.CheckAPIKey("anything"))
}
