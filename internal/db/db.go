// Package db handles database connectivity, migrations, and data access for
// the signing broker. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens a database connection. The URL can be:
//   - A file path like "igloo.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Index creation is retried on every start; tolerate duplicates.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGINT PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		salt       TEXT NOT NULL,
		verifier   TEXT NOT NULL,
		is_admin   INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions_auth (
		token_hash   TEXT PRIMARY KEY,
		user_id      BIGINT NOT NULL,
		created_at   BIGINT NOT NULL,
		expires_at   BIGINT NOT NULL,
		last_used_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions_nip46 (
		user_id        BIGINT NOT NULL,
		pubkey         TEXT NOT NULL,
		status         TEXT NOT NULL,
		profile        TEXT NOT NULL DEFAULT '{}',
		policy         TEXT NOT NULL DEFAULT '{}',
		requested      TEXT NOT NULL DEFAULT '',
		relays         TEXT NOT NULL DEFAULT '[]',
		recent_kinds   TEXT NOT NULL DEFAULT '[]',
		recent_methods TEXT NOT NULL DEFAULT '[]',
		created_at     BIGINT NOT NULL,
		last_active_at BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		UNIQUE(user_id, pubkey)
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_nip46_user ON sessions_nip46(user_id)`,
	`CREATE TABLE IF NOT EXISTS requests_nip46 (
		id             TEXT PRIMARY KEY,
		user_id        BIGINT NOT NULL,
		session_pubkey TEXT NOT NULL,
		method         TEXT NOT NULL,
		params         TEXT NOT NULL DEFAULT '[]',
		status         TEXT NOT NULL,
		denied_reason  TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL,
		expires_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS requests_nip46_session ON requests_nip46(session_pubkey)`,
	`CREATE TABLE IF NOT EXISTS transport_keys (
		user_id    BIGINT PRIMARY KEY,
		seckey     TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_credentials (
		user_id    BIGINT PRIMARY KEY,
		blob       BYTEA NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Users ────────────────────────────────────────────────────────────────────

// UserRow is a persisted user account.
type UserRow struct {
	ID        int64
	Username  string
	Salt      string
	Verifier  string
	IsAdmin   bool
	CreatedAt int64
}

// CreateUser inserts a user and returns its id. Ids are allocated with a
// MAX(id)+1 subselect so the same DDL serves both drivers; user creation is
// rare enough that the race window is irrelevant (and the PK catches it).
func (s *Store) CreateUser(username, salt, verifier string, isAdmin bool) (int64, error) {
	now := time.Now().Unix()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO users (id, username, salt, verifier, is_admin, created_at)
			SELECT COALESCE(MAX(id), 0) + 1, ?, ?, ?, ?, ? FROM users`
	} else {
		q = `INSERT INTO users (id, username, salt, verifier, is_admin, created_at)
			SELECT COALESCE(MAX(id), 0) + 1, $1, $2, $3, $4, $5 FROM users`
	}
	if _, err := s.db.Exec(q, username, salt, verifier, boolInt(isAdmin), now); err != nil {
		return 0, err
	}
	u, ok := s.GetUserByUsername(username)
	if !ok {
		return 0, fmt.Errorf("user %q vanished after insert", username)
	}
	return u.ID, nil
}

// GetUserByUsername returns the user row for a username, if present.
func (s *Store) GetUserByUsername(username string) (*UserRow, bool) {
	var u UserRow
	var admin int
	err := s.db.QueryRow(
		`SELECT id, username, salt, verifier, is_admin, created_at FROM users WHERE username = `+s.ph(1),
		username,
	).Scan(&u.ID, &u.Username, &u.Salt, &u.Verifier, &admin, &u.CreatedAt)
	if err != nil {
		return nil, false
	}
	u.IsAdmin = admin != 0
	return &u, true
}

// FirstAdmin returns the oldest admin user, if any exists.
func (s *Store) FirstAdmin() (*UserRow, bool) {
	var u UserRow
	var admin int
	err := s.db.QueryRow(
		`SELECT id, username, salt, verifier, is_admin, created_at FROM users WHERE is_admin = 1 ORDER BY id LIMIT 1`,
	).Scan(&u.ID, &u.Username, &u.Salt, &u.Verifier, &admin, &u.CreatedAt)
	if err != nil {
		return nil, false
	}
	u.IsAdmin = admin != 0
	return &u, true
}

// CountUsers returns the number of user accounts.
func (s *Store) CountUsers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// ─── Auth sessions ────────────────────────────────────────────────────────────

// AuthSessionRow is a persisted login session. Only the SHA-256 of the token
// is stored; the plaintext token never touches disk.
type AuthSessionRow struct {
	TokenHash  string
	UserID     int64
	CreatedAt  int64
	ExpiresAt  int64
	LastUsedAt int64
}

// InsertAuthSession persists a new login session.
func (s *Store) InsertAuthSession(row AuthSessionRow) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions_auth (token_hash, user_id, created_at, expires_at, last_used_at) VALUES (`+s.phList(5)+`)`,
		row.TokenHash, row.UserID, row.CreatedAt, row.ExpiresAt, row.LastUsedAt,
	)
	return err
}

// TouchAuthSession updates the last-use timestamp for a session.
func (s *Store) TouchAuthSession(tokenHash string, lastUsed int64) error {
	_, err := s.db.Exec(
		`UPDATE sessions_auth SET last_used_at = `+s.ph(1)+` WHERE token_hash = `+s.ph(2),
		lastUsed, tokenHash,
	)
	return err
}

// DeleteAuthSession removes a session by token hash.
func (s *Store) DeleteAuthSession(tokenHash string) error {
	_, err := s.db.Exec(`DELETE FROM sessions_auth WHERE token_hash = `+s.ph(1), tokenHash)
	return err
}

// DeleteExpiredAuthSessions removes sessions whose absolute expiry passed.
func (s *Store) DeleteExpiredAuthSessions(now int64) error {
	_, err := s.db.Exec(`DELETE FROM sessions_auth WHERE expires_at < `+s.ph(1), now)
	return err
}

// LoadAuthSessions returns all persisted login sessions.
func (s *Store) LoadAuthSessions() ([]AuthSessionRow, error) {
	rows, err := s.db.Query(`SELECT token_hash, user_id, created_at, expires_at, last_used_at FROM sessions_auth`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuthSessionRow
	for rows.Next() {
		var r AuthSessionRow
		if err := rows.Scan(&r.TokenHash, &r.UserID, &r.CreatedAt, &r.ExpiresAt, &r.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── NIP-46 sessions ──────────────────────────────────────────────────────────

// SessionRow is a persisted NIP-46 client session. Structured fields are
// stored as JSON text; the session package owns their shape.
type SessionRow struct {
	UserID        int64
	Pubkey        string
	Status        string
	Profile       string
	Policy        string
	Requested     string
	Relays        string
	RecentKinds   string
	RecentMethods string
	CreatedAt     int64
	LastActiveAt  int64
	UpdatedAt     int64
}

// UpsertNIP46Session inserts or replaces a session row.
func (s *Store) UpsertNIP46Session(row SessionRow) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO sessions_nip46
			(user_id, pubkey, status, profile, policy, requested, relays, recent_kinds, recent_methods, created_at, last_active_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, pubkey) DO UPDATE SET
			status=excluded.status, profile=excluded.profile, policy=excluded.policy,
			requested=excluded.requested, relays=excluded.relays,
			recent_kinds=excluded.recent_kinds, recent_methods=excluded.recent_methods,
			last_active_at=excluded.last_active_at, updated_at=excluded.updated_at`
	} else {
		q = `INSERT INTO sessions_nip46
			(user_id, pubkey, status, profile, policy, requested, relays, recent_kinds, recent_methods, created_at, last_active_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT(user_id, pubkey) DO UPDATE SET
			status=EXCLUDED.status, profile=EXCLUDED.profile, policy=EXCLUDED.policy,
			requested=EXCLUDED.requested, relays=EXCLUDED.relays,
			recent_kinds=EXCLUDED.recent_kinds, recent_methods=EXCLUDED.recent_methods,
			last_active_at=EXCLUDED.last_active_at, updated_at=EXCLUDED.updated_at`
	}
	_, err := s.db.Exec(q,
		row.UserID, row.Pubkey, row.Status, row.Profile, row.Policy, row.Requested,
		row.Relays, row.RecentKinds, row.RecentMethods, row.CreatedAt, row.LastActiveAt, row.UpdatedAt,
	)
	return err
}

// DeleteNIP46Session removes a session row. Revoked sessions are hard-deleted.
func (s *Store) DeleteNIP46Session(userID int64, pubkey string) error {
	_, err := s.db.Exec(
		`DELETE FROM sessions_nip46 WHERE user_id = `+s.ph(1)+` AND pubkey = `+s.ph(2),
		userID, pubkey,
	)
	return err
}

// ListNIP46Sessions returns all session rows for a user.
func (s *Store) ListNIP46Sessions(userID int64) ([]SessionRow, error) {
	rows, err := s.db.Query(
		`SELECT user_id, pubkey, status, profile, policy, requested, relays, recent_kinds, recent_methods, created_at, last_active_at, updated_at
		 FROM sessions_nip46 WHERE user_id = `+s.ph(1), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.UserID, &r.Pubkey, &r.Status, &r.Profile, &r.Policy, &r.Requested,
			&r.Relays, &r.RecentKinds, &r.RecentMethods, &r.CreatedAt, &r.LastActiveAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── NIP-46 requests ──────────────────────────────────────────────────────────

// RequestRow is a persisted pending-approval request.
type RequestRow struct {
	ID            string
	UserID        int64
	SessionPubkey string
	Method        string
	Params        string
	Status        string
	DeniedReason  string
	CreatedAt     int64
	ExpiresAt     int64
}

// UpsertNIP46Request inserts or replaces a request row.
func (s *Store) UpsertNIP46Request(row RequestRow) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO requests_nip46 (id, user_id, session_pubkey, method, params, status, denied_reason, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status=excluded.status, denied_reason=excluded.denied_reason`
	} else {
		q = `INSERT INTO requests_nip46 (id, user_id, session_pubkey, method, params, status, denied_reason, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT(id) DO UPDATE SET status=EXCLUDED.status, denied_reason=EXCLUDED.denied_reason`
	}
	_, err := s.db.Exec(q,
		row.ID, row.UserID, row.SessionPubkey, row.Method, row.Params,
		row.Status, row.DeniedReason, row.CreatedAt, row.ExpiresAt,
	)
	return err
}

// DeleteNIP46Request removes a request row by id.
func (s *Store) DeleteNIP46Request(id string) error {
	_, err := s.db.Exec(`DELETE FROM requests_nip46 WHERE id = `+s.ph(1), id)
	return err
}

// ListNIP46Requests returns all persisted requests for a user.
func (s *Store) ListNIP46Requests(userID int64) ([]RequestRow, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, session_pubkey, method, params, status, denied_reason, created_at, expires_at
		 FROM requests_nip46 WHERE user_id = `+s.ph(1)+` ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RequestRow
	for rows.Next() {
		var r RequestRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionPubkey, &r.Method, &r.Params,
			&r.Status, &r.DeniedReason, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Transport keys ───────────────────────────────────────────────────────────

// GetTransportKey returns the persisted transport secret for a user.
func (s *Store) GetTransportKey(userID int64) (string, bool) {
	var sec string
	err := s.db.QueryRow(`SELECT seckey FROM transport_keys WHERE user_id = `+s.ph(1), userID).Scan(&sec)
	if err != nil {
		return "", false
	}
	return sec, true
}

// SetTransportKey stores (or replaces) the transport secret for a user.
func (s *Store) SetTransportKey(userID int64, seckey string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO transport_keys (user_id, seckey, created_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET seckey=excluded.seckey, created_at=excluded.created_at`
	} else {
		q = `INSERT INTO transport_keys (user_id, seckey, created_at) VALUES ($1, $2, $3)
			ON CONFLICT(user_id) DO UPDATE SET seckey=EXCLUDED.seckey, created_at=EXCLUDED.created_at`
	}
	_, err := s.db.Exec(q, userID, seckey, time.Now().Unix())
	return err
}

// ─── User credentials ─────────────────────────────────────────────────────────

// GetCredential returns the sealed credential blob for a user.
func (s *Store) GetCredential(userID int64) ([]byte, bool) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM user_credentials WHERE user_id = `+s.ph(1), userID).Scan(&blob)
	if err != nil {
		return nil, false
	}
	return blob, true
}

// SetCredential stores (or replaces) the sealed credential blob for a user.
func (s *Store) SetCredential(userID int64, blob []byte) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO user_credentials (user_id, blob, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET blob=excluded.blob, updated_at=excluded.updated_at`
	} else {
		q = `INSERT INTO user_credentials (user_id, blob, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT(user_id) DO UPDATE SET blob=EXCLUDED.blob, updated_at=EXCLUDED.updated_at`
	}
	_, err := s.db.Exec(q, userID, blob, time.Now().Unix())
	return err
}

// ─── Key-Value store ──────────────────────────────────────────────────────────

// SetKV upserts a key-value pair. Used for persistent state like the
// operator-managed relay list.
func (s *Store) SetKV(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.Exec(q, key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// ph returns the SQL placeholder token for argument n (1-based).
// SQLite uses ? and PostgreSQL uses $n.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// phList returns "?, ?, ..." or "$1, $2, ..." for n arguments.
func (s *Store) phList(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.ph(i + 1)
	}
	return strings.Join(parts, ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
