// Package queue holds NIP-46 requests awaiting an operator decision. The
// queue is FIFO, bounded per session, TTL-swept, and mirrored to the
// database so pending approvals survive a restart.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frostr-org/igloo-server/internal/db"
	"github.com/frostr-org/igloo-server/internal/metrics"
)

// Status values for a queued request.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusDenied    = "denied"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// sweepInterval is how often the background sweeper scans for expired
// entries.
const sweepInterval = 30 * time.Second

// Request is one queued NIP-46 request.
type Request struct {
	ID            string    `json:"id"`
	Method        string    `json:"method"`
	Params        []string  `json:"params"`
	SessionPubkey string    `json:"session_pubkey"`
	Status        string    `json:"status"`
	// DeniedReason is set when policy pre-denied the request, so the UI can
	// show why it is blocked.
	DeniedReason string    `json:"denied_reason,omitempty"`
	// Kind is the parsed event kind for sign_event requests; -1 otherwise.
	Kind      int       `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Persistence is the subset of db.Store used by the queue.
type Persistence interface {
	UpsertNIP46Request(row db.RequestRow) error
	DeleteNIP46Request(id string) error
	ListNIP46Requests(userID int64) ([]db.RequestRow, error)
}

// Queue is the pending-approval queue for one broker user.
type Queue struct {
	userID   int64
	persist  Persistence
	ttl      time.Duration
	perLimit int

	mu      sync.Mutex
	order   []string // FIFO of request ids
	entries map[string]*Request

	// onExpire is invoked (outside the lock) for every swept entry.
	onExpire func(req Request)

	now func() time.Time
}

// New creates a queue. persist may be nil; onExpire may be nil.
func New(userID int64, persist Persistence, ttl time.Duration, perSessionLimit int) *Queue {
	if perSessionLimit <= 0 {
		perSessionLimit = 256
	}
	return &Queue{
		userID:   userID,
		persist:  persist,
		ttl:      ttl,
		perLimit: perSessionLimit,
		entries:  make(map[string]*Request),
		now:      time.Now,
	}
}

// OnExpire registers the callback run for every expired entry.
func (q *Queue) OnExpire(fn func(req Request)) { q.onExpire = fn }

// Load restores persisted pending requests. Entries already past their TTL
// are dropped immediately.
func (q *Queue) Load() error {
	if q.persist == nil {
		return nil
	}
	rows, err := q.persist.ListNIP46Requests(q.userID)
	if err != nil {
		return err
	}
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, row := range rows {
		if row.Status != StatusPending {
			continue
		}
		req := rowToRequest(row)
		if !req.ExpiresAt.After(now) {
			go q.persistStatus(req.ID, StatusExpired, "")
			continue
		}
		q.entries[req.ID] = &req
		q.order = append(q.order, req.ID)
	}
	metrics.QueueDepth.Set(float64(len(q.entries)))
	slog.Info("pending requests restored", "count", len(q.entries))
	return nil
}

// Add enqueues a request. When the session already has perLimit pending
// entries, the oldest one for that session is evicted with reason "queue
// overflow" and returned so the caller can answer it.
func (q *Queue) Add(req Request) (overflowed *Request) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = StatusPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = q.now()
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.CreatedAt.Add(q.ttl)
	}

	q.mu.Lock()
	count := 0
	oldestIdx := -1
	for i, id := range q.order {
		e := q.entries[id]
		if e != nil && e.SessionPubkey == req.SessionPubkey {
			count++
			if oldestIdx < 0 {
				oldestIdx = i
			}
		}
	}
	if count >= q.perLimit && oldestIdx >= 0 {
		victim := q.entries[q.order[oldestIdx]]
		v := *victim
		v.Status = StatusDenied
		v.DeniedReason = "queue overflow"
		overflowed = &v
		delete(q.entries, victim.ID)
		q.order = append(q.order[:oldestIdx], q.order[oldestIdx+1:]...)
	}
	cp := req
	q.entries[req.ID] = &cp
	q.order = append(q.order, req.ID)
	metrics.QueueDepth.Set(float64(len(q.entries)))
	q.mu.Unlock()

	q.persistUpsert(req)
	if overflowed != nil {
		go q.persistStatus(overflowed.ID, StatusDenied, "queue overflow")
	}
	return overflowed
}

// Get returns a copy of the queued request with the given id.
func (q *Queue) Get(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Request{}, false
	}
	return *e, true
}

// List returns all queued requests in FIFO order.
func (q *Queue) List() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, 0, len(q.order))
	for _, id := range q.order {
		if e, ok := q.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// ListBySession returns queued requests for one client, FIFO.
func (q *Queue) ListBySession(cpk string) []Request {
	return q.filter(func(r *Request) bool { return r.SessionPubkey == cpk })
}

// ListByKind returns queued sign_event requests with the given parsed kind.
func (q *Queue) ListByKind(kind int) []Request {
	return q.filter(func(r *Request) bool { return r.Method == "sign_event" && r.Kind == kind })
}

func (q *Queue) filter(keep func(*Request) bool) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Request
	for _, id := range q.order {
		if e, ok := q.entries[id]; ok && keep(e) {
			out = append(out, *e)
		}
	}
	return out
}

// Resolve removes the request from the queue and records its final status.
func (q *Queue) Resolve(id, status, reason string) (Request, bool) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return Request{}, false
	}
	req := *e
	delete(q.entries, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	metrics.QueueDepth.Set(float64(len(q.entries)))
	q.mu.Unlock()

	req.Status = status
	if reason != "" {
		req.DeniedReason = reason
	}
	go q.persistStatus(id, status, reason)
	return req, true
}

// Run starts the TTL sweeper and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep()
		}
	}
}

// Sweep expires every entry past its TTL and fires the expiry callback.
func (q *Queue) Sweep() {
	now := q.now()

	q.mu.Lock()
	var expired []Request
	kept := q.order[:0]
	for _, id := range q.order {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		if !e.ExpiresAt.After(now) {
			req := *e
			req.Status = StatusExpired
			expired = append(expired, req)
			delete(q.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	metrics.QueueDepth.Set(float64(len(q.entries)))
	q.mu.Unlock()

	for _, req := range expired {
		slog.Info("request expired", "id", req.ID, "method", req.Method, "session", short(req.SessionPubkey))
		go q.persistStatus(req.ID, StatusExpired, "")
		if q.onExpire != nil {
			q.onExpire(req)
		}
	}
}

// ─── Persistence ──────────────────────────────────────────────────────────────

func (q *Queue) persistUpsert(req Request) {
	if q.persist == nil {
		return
	}
	row := requestToRow(q.userID, req)
	go func() {
		if err := q.persist.UpsertNIP46Request(row); err != nil {
			slog.Warn("request persistence failed", "id", req.ID, "error", err)
		}
	}()
}

func (q *Queue) persistStatus(id, status, reason string) {
	if q.persist == nil {
		return
	}
	// Final states are kept as an audit row rather than deleted; completed
	// requests are pruned to keep the table small.
	if status == StatusCompleted {
		if err := q.persist.DeleteNIP46Request(id); err != nil {
			slog.Warn("request cleanup failed", "id", id, "error", err)
		}
		return
	}
	row := db.RequestRow{ID: id, UserID: q.userID, Status: status, DeniedReason: reason}
	if err := q.persist.UpsertNIP46Request(row); err != nil {
		slog.Warn("request status persistence failed", "id", id, "error", err)
	}
}

func requestToRow(userID int64, req Request) db.RequestRow {
	params, _ := json.Marshal(req.Params)
	return db.RequestRow{
		ID:            req.ID,
		UserID:        userID,
		SessionPubkey: req.SessionPubkey,
		Method:        req.Method,
		Params:        string(params),
		Status:        req.Status,
		DeniedReason:  req.DeniedReason,
		CreatedAt:     req.CreatedAt.Unix(),
		ExpiresAt:     req.ExpiresAt.Unix(),
	}
}

func rowToRequest(row db.RequestRow) Request {
	req := Request{
		ID:            row.ID,
		Method:        row.Method,
		SessionPubkey: row.SessionPubkey,
		Status:        row.Status,
		DeniedReason:  row.DeniedReason,
		Kind:          -1,
		CreatedAt:     time.Unix(row.CreatedAt, 0),
		ExpiresAt:     time.Unix(row.ExpiresAt, 0),
	}
	_ = json.Unmarshal([]byte(row.Params), &req.Params)
	return req
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8] + "…"
	}
	return s
}
