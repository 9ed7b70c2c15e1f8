package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/frostr-org/igloo-server/internal/db"
)

// reapInterval is how often expired tokens are swept.
const reapInterval = time.Minute

// TokenPersistence is the subset of db.Store used by the token store.
type TokenPersistence interface {
	InsertAuthSession(row db.AuthSessionRow) error
	TouchAuthSession(tokenHash string, lastUsed int64) error
	DeleteAuthSession(tokenHash string) error
	DeleteExpiredAuthSessions(now int64) error
	LoadAuthSessions() ([]db.AuthSessionRow, error)
}

type tokenEntry struct {
	userID     int64
	createdAt  time.Time
	expiresAt  time.Time // absolute expiry
	lastUsedAt time.Time
	// unwrapKey is the ephemeral per-user key for credential decryption.
	// Memory-only: tokens restored from disk carry none until re-login.
	unwrapKey []byte
}

// TokenStore issues and validates opaque session tokens, enforcing both an
// idle timeout and an absolute timeout. Tokens are keyed internally by
// SHA-256 so the plaintext never has to be stored anywhere.
type TokenStore struct {
	idle    time.Duration
	abs     time.Duration
	persist TokenPersistence

	mu     sync.Mutex
	tokens map[string]*tokenEntry // token hash → entry

	now func() time.Time
}

// NewTokenStore creates a token store. persist may be nil.
func NewTokenStore(idle, abs time.Duration, persist TokenPersistence) *TokenStore {
	return &TokenStore{
		idle:    idle,
		abs:     abs,
		persist: persist,
		tokens:  make(map[string]*tokenEntry),
		now:     time.Now,
	}
}

// Load restores persisted sessions (without unwrap keys).
func (ts *TokenStore) Load() error {
	if ts.persist == nil {
		return nil
	}
	rows, err := ts.persist.LoadAuthSessions()
	if err != nil {
		return err
	}
	now := ts.now()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, row := range rows {
		exp := time.Unix(row.ExpiresAt, 0)
		if !exp.After(now) {
			continue
		}
		ts.tokens[row.TokenHash] = &tokenEntry{
			userID:     row.UserID,
			createdAt:  time.Unix(row.CreatedAt, 0),
			expiresAt:  exp,
			lastUsedAt: time.Unix(row.LastUsedAt, 0),
		}
	}
	return nil
}

// Issue creates a token for userID carrying the given unwrap key. The
// token is returned in plaintext exactly once.
func (ts *TokenStore) Issue(userID int64, unwrapKey []byte) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	hash := hashToken(token)
	now := ts.now()

	ts.mu.Lock()
	ts.tokens[hash] = &tokenEntry{
		userID:     userID,
		createdAt:  now,
		expiresAt:  now.Add(ts.abs),
		lastUsedAt: now,
		unwrapKey:  unwrapKey,
	}
	ts.mu.Unlock()

	if ts.persist != nil {
		row := db.AuthSessionRow{
			TokenHash:  hash,
			UserID:     userID,
			CreatedAt:  now.Unix(),
			ExpiresAt:  now.Add(ts.abs).Unix(),
			LastUsedAt: now.Unix(),
		}
		if err := ts.persist.InsertAuthSession(row); err != nil {
			slog.Warn("failed to persist auth session", "error", err)
		}
	}
	return token, nil
}

// Check validates a token, enforcing idle and absolute expiry, and touches
// its last-use time.
func (ts *TokenStore) Check(token string) (userID int64, ok bool) {
	hash := hashToken(token)
	now := ts.now()

	ts.mu.Lock()
	e, exists := ts.tokens[hash]
	if !exists {
		ts.mu.Unlock()
		return 0, false
	}
	if now.After(e.expiresAt) || now.Sub(e.lastUsedAt) > ts.idle {
		ts.dropLocked(hash, e)
		ts.mu.Unlock()
		return 0, false
	}
	e.lastUsedAt = now
	userID = e.userID
	ts.mu.Unlock()

	if ts.persist != nil {
		go func() {
			if err := ts.persist.TouchAuthSession(hash, now.Unix()); err != nil {
				slog.Debug("failed to touch auth session", "error", err)
			}
		}()
	}
	return userID, true
}

// UnwrapKey returns the ephemeral unwrap key for a live token, if the
// token was issued in this process lifetime.
func (ts *TokenStore) UnwrapKey(token string) ([]byte, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	e, exists := ts.tokens[hashToken(token)]
	if !exists || e.unwrapKey == nil {
		return nil, false
	}
	out := make([]byte, len(e.unwrapKey))
	copy(out, e.unwrapKey)
	return out, true
}

// Revoke deletes a token and zeroes its unwrap key.
func (ts *TokenStore) Revoke(token string) {
	hash := hashToken(token)
	ts.mu.Lock()
	if e, exists := ts.tokens[hash]; exists {
		ts.dropLocked(hash, e)
	}
	ts.mu.Unlock()
}

// Live reports how many unexpired tokens exist (for /api/auth/status).
func (ts *TokenStore) Live() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tokens)
}

// HasUnwrapKey reports whether any live token carries an unwrap key, i.e.
// whether the identity can currently be unlocked.
func (ts *TokenStore) HasUnwrapKey() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, e := range ts.tokens {
		if e.unwrapKey != nil {
			return true
		}
	}
	return false
}

// Run reaps expired tokens until ctx is cancelled.
func (ts *TokenStore) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.Reap()
		}
	}
}

// Reap removes every expired token.
func (ts *TokenStore) Reap() {
	now := ts.now()
	ts.mu.Lock()
	for hash, e := range ts.tokens {
		if now.After(e.expiresAt) || now.Sub(e.lastUsedAt) > ts.idle {
			ts.dropLocked(hash, e)
		}
	}
	ts.mu.Unlock()

	if ts.persist != nil {
		if err := ts.persist.DeleteExpiredAuthSessions(now.Unix()); err != nil {
			slog.Debug("failed to sweep persisted auth sessions", "error", err)
		}
	}
}

// dropLocked removes an entry, zeroing its key material. Caller holds mu.
func (ts *TokenStore) dropLocked(hash string, e *tokenEntry) {
	Zero(e.unwrapKey)
	e.unwrapKey = nil
	delete(ts.tokens, hash)
	if ts.persist != nil {
		go func() {
			if err := ts.persist.DeleteAuthSession(hash); err != nil {
				slog.Debug("failed to delete persisted auth session", "error", err)
			}
		}()
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
