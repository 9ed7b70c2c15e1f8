package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frostr-org/igloo-server/internal/db"
)

// persistRetries is the write budget for the backing store; failures beyond
// it are logged and dropped because in-memory state is authoritative.
const persistRetries = 3

// Persistence is the subset of db.Store used by the session store.
type Persistence interface {
	UpsertNIP46Session(row db.SessionRow) error
	DeleteNIP46Session(userID int64, pubkey string) error
	ListNIP46Sessions(userID int64) ([]db.SessionRow, error)
}

// Store keeps all client sessions for one broker user. Mutations are
// serialized per client pubkey; different clients proceed in parallel.
type Store struct {
	userID  int64
	persist Persistence

	mu       sync.RWMutex
	sessions map[string]*Session
	locks    *LockMap

	now func() time.Time
}

// NewStore creates a session store. persist may be nil for ephemeral use.
func NewStore(userID int64, persist Persistence) *Store {
	return &Store{
		userID:   userID,
		persist:  persist,
		sessions: make(map[string]*Session),
		locks:    NewLockMap(),
		now:      time.Now,
	}
}

// Load reads all persisted rows, normalizes their keys, de-duplicates
// (keeping the most recent updated_at), and returns the union of relay URLs
// the sessions were using, for seeding the transport.
func (s *Store) Load() ([]string, error) {
	if s.persist == nil {
		return nil, nil
	}
	rows, err := s.persist.ListNIP46Sessions(s.userID)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	latest := make(map[string]db.SessionRow)
	for _, row := range rows {
		key, err := NormalizeKey(row.Pubkey)
		if err != nil {
			slog.Warn("skipping persisted session with bad pubkey", "pubkey", row.Pubkey)
			continue
		}
		if prev, ok := latest[key]; !ok || row.UpdatedAt > prev.UpdatedAt {
			row.Pubkey = key
			latest[key] = row
		}
	}

	var relays []string
	seen := make(map[string]struct{})
	s.mu.Lock()
	for key, row := range latest {
		sess, err := rowToSession(row)
		if err != nil {
			slog.Warn("skipping corrupt persisted session", "pubkey", key, "error", err)
			continue
		}
		s.sessions[key] = sess
		for _, r := range sess.Relays {
			if _, ok := seen[r]; !ok {
				seen[r] = struct{}{}
				relays = append(relays, r)
			}
		}
	}
	count := len(s.sessions)
	s.mu.Unlock()

	slog.Info("sessions loaded", "count", count, "relays", len(relays))
	return relays, nil
}

// Get returns a copy of the session for cpk.
func (s *Store) Get(cpk string) (*Session, bool) {
	key, err := NormalizeKey(cpk)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// ListActive returns copies of all active sessions.
func (s *Store) ListActive() []*Session { return s.list(StatusActive) }

// ListPending returns copies of all pending sessions.
func (s *Store) ListPending() []*Session { return s.list(StatusPending) }

func (s *Store) list(status Status) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Status == status {
			out = append(out, sess.clone())
		}
	}
	return out
}

// Upsert merges the given session into the store. Status is monotonic:
// an active session is never downgraded back to pending. It reports whether
// any observable state actually changed, so callers can skip redundant
// writes and events.
func (s *Store) Upsert(in *Session) (changed bool, err error) {
	key, err := NormalizeKey(in.Pubkey)
	if err != nil {
		return false, err
	}

	release := s.locks.Acquire(key)
	defer release()

	s.mu.Lock()
	existing, ok := s.sessions[key]
	if !ok {
		sess := in.clone()
		sess.Pubkey = key
		if sess.Status == "" {
			sess.Status = StatusPending
		}
		if sess.CreatedAt.IsZero() {
			sess.CreatedAt = s.now()
		}
		if sess.LastActiveAt.IsZero() {
			sess.LastActiveAt = sess.CreatedAt
		}
		if sess.Policy.Methods == nil || sess.Policy.Kinds == nil {
			p := sess.Policy.Clone()
			sess.Policy = p
		}
		s.sessions[key] = sess
		snapshot := sess.clone()
		s.mu.Unlock()
		s.persistAsync(snapshot)
		return true, nil
	}

	changed = false
	if in.Status == StatusActive && existing.Status != StatusActive {
		existing.Status = StatusActive
		changed = true
	}
	if in.Profile != (Profile{}) && in.Profile != existing.Profile {
		existing.Profile = in.Profile
		changed = true
	}
	if in.Policy.Methods != nil || in.Policy.Kinds != nil {
		if !existing.Policy.Equal(in.Policy) {
			existing.Policy = in.Policy.Clone()
			changed = true
		}
	}
	if in.Requested != nil {
		existing.Requested = in.Requested
	}
	before := len(existing.Relays)
	existing.mergeRelays(in.Relays)
	if len(existing.Relays) != before {
		changed = true
	}
	var snapshot *Session
	if changed {
		snapshot = existing.clone()
	}
	s.mu.Unlock()

	if snapshot != nil {
		s.persistAsync(snapshot)
	}
	return changed, nil
}

// UpdatePolicy replaces the policy for cpk and persists it.
func (s *Store) UpdatePolicy(cpk string, p Policy) error {
	key, err := NormalizeKey(cpk)
	if err != nil {
		return err
	}
	release := s.locks.Acquire(key)
	defer release()

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no session for %s", key[:8])
	}
	sess.Policy = p.Clone()
	snapshot := sess.clone()
	s.mu.Unlock()

	s.persistAsync(snapshot)
	return nil
}

// GetPolicy returns a copy of the session's policy.
func (s *Store) GetPolicy(cpk string) (Policy, error) {
	sess, ok := s.Get(cpk)
	if !ok {
		return Policy{}, fmt.Errorf("no session for %q", cpk)
	}
	return sess.Policy, nil
}

// Touch bumps last-active and records recent kinds/methods.
func (s *Store) Touch(cpk string, kinds []int, methods []string) {
	key, err := NormalizeKey(cpk)
	if err != nil {
		return
	}
	release := s.locks.Acquire(key)
	defer release()

	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.LastActiveAt = s.now()
	for _, k := range kinds {
		sess.touchKind(k)
	}
	for _, m := range methods {
		sess.touchMethod(m)
	}
	snapshot := sess.clone()
	s.mu.Unlock()

	s.persistAsync(snapshot)
}

// Revoke deletes the session from memory and from persistence.
func (s *Store) Revoke(cpk string) error {
	key, err := NormalizeKey(cpk)
	if err != nil {
		return err
	}
	release := s.locks.Acquire(key)
	defer release()

	s.mu.Lock()
	_, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session for %s", key[:8])
	}

	if s.persist != nil {
		go func() {
			if err := s.persist.DeleteNIP46Session(s.userID, key); err != nil {
				slog.Warn("failed to delete persisted session", "pubkey", key[:8], "error", err)
			}
		}()
	}
	return nil
}

// persistAsync mirrors a session to the database in the background with a
// small retry budget. Failures never block or fail the caller.
func (s *Store) persistAsync(sess *Session) {
	if s.persist == nil {
		return
	}
	row := sessionToRow(s.userID, sess, s.now().Unix())
	go func() {
		delay := 50 * time.Millisecond
		var err error
		for i := 0; i < persistRetries; i++ {
			if err = s.persist.UpsertNIP46Session(row); err == nil {
				return
			}
			time.Sleep(delay)
			delay *= 2
		}
		slog.Warn("session persistence failed", "pubkey", sess.Pubkey[:8], "error", err)
	}()
}

// ─── Row conversion ───────────────────────────────────────────────────────────

func sessionToRow(userID int64, sess *Session, updatedAt int64) db.SessionRow {
	profile, _ := json.Marshal(sess.Profile)
	policy, _ := json.Marshal(sess.Policy)
	relays, _ := json.Marshal(sess.Relays)
	kinds, _ := json.Marshal(sess.RecentKinds)
	methods, _ := json.Marshal(sess.RecentMethods)
	requested := ""
	if sess.Requested != nil {
		b, _ := json.Marshal(sess.Requested)
		requested = string(b)
	}
	return db.SessionRow{
		UserID:        userID,
		Pubkey:        sess.Pubkey,
		Status:        string(sess.Status),
		Profile:       string(profile),
		Policy:        string(policy),
		Requested:     requested,
		Relays:        string(relays),
		RecentKinds:   string(kinds),
		RecentMethods: string(methods),
		CreatedAt:     sess.CreatedAt.Unix(),
		LastActiveAt:  sess.LastActiveAt.Unix(),
		UpdatedAt:     updatedAt,
	}
}

func rowToSession(row db.SessionRow) (*Session, error) {
	sess := &Session{
		Pubkey:       row.Pubkey,
		Status:       Status(row.Status),
		Policy:       NewPolicy(),
		CreatedAt:    time.Unix(row.CreatedAt, 0),
		LastActiveAt: time.Unix(row.LastActiveAt, 0),
	}
	switch sess.Status {
	case StatusPending, StatusActive:
	default:
		return nil, fmt.Errorf("unknown status %q", row.Status)
	}
	if err := json.Unmarshal([]byte(row.Profile), &sess.Profile); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Policy), &sess.Policy); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if sess.Policy.Methods == nil {
		sess.Policy.Methods = map[string]bool{}
	}
	if sess.Policy.Kinds == nil {
		sess.Policy.Kinds = map[string]bool{}
	}
	if row.Requested != "" {
		var req Policy
		if err := json.Unmarshal([]byte(row.Requested), &req); err == nil {
			sess.Requested = &req
		}
	}
	_ = json.Unmarshal([]byte(row.Relays), &sess.Relays)
	_ = json.Unmarshal([]byte(row.RecentKinds), &sess.RecentKinds)
	_ = json.Unmarshal([]byte(row.RecentMethods), &sess.RecentMethods)
	return sess, nil
}
