package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCPK = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func newTestQueue(ttl time.Duration, perLimit int) (*Queue, *time.Time) {
	now := time.Unix(1700000000, 0)
	q := New(1, nil, ttl, perLimit)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestAddAssignsDefaults(t *testing.T) {
	q, now := newTestQueue(10*time.Minute, 256)

	overflow := q.Add(Request{Method: "sign_event", SessionPubkey: testCPK, Kind: 1})
	assert.Nil(t, overflow)

	reqs := q.List()
	require.Len(t, reqs, 1)
	assert.NotEmpty(t, reqs[0].ID)
	assert.Equal(t, StatusPending, reqs[0].Status)
	assert.Equal(t, now.Add(10*time.Minute), reqs[0].ExpiresAt)
}

func TestFIFOOrder(t *testing.T) {
	q, _ := newTestQueue(time.Minute, 256)
	q.Add(Request{ID: "a", Method: "ping", SessionPubkey: testCPK})
	q.Add(Request{ID: "b", Method: "ping", SessionPubkey: testCPK})
	q.Add(Request{ID: "c", Method: "ping", SessionPubkey: testCPK})

	reqs := q.List()
	require.Len(t, reqs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{reqs[0].ID, reqs[1].ID, reqs[2].ID})
}

func TestPerSessionOverflow(t *testing.T) {
	q, _ := newTestQueue(time.Minute, 2)
	other := "4bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

	q.Add(Request{ID: "a", Method: "ping", SessionPubkey: testCPK})
	q.Add(Request{ID: "b", Method: "ping", SessionPubkey: testCPK})
	q.Add(Request{ID: "x", Method: "ping", SessionPubkey: other})

	// Third entry for the same session evicts its oldest.
	overflow := q.Add(Request{ID: "c", Method: "ping", SessionPubkey: testCPK})
	require.NotNil(t, overflow)
	assert.Equal(t, "a", overflow.ID)
	assert.Equal(t, StatusDenied, overflow.Status)
	assert.Equal(t, "queue overflow", overflow.DeniedReason)

	// The other session is untouched.
	assert.Len(t, q.ListBySession(other), 1)
	assert.Len(t, q.ListBySession(testCPK), 2)
	_, ok := q.Get("a")
	assert.False(t, ok)
}

func TestResolve(t *testing.T) {
	q, _ := newTestQueue(time.Minute, 256)
	q.Add(Request{ID: "a", Method: "ping", SessionPubkey: testCPK})

	req, ok := q.Resolve("a", StatusDenied, "nope")
	require.True(t, ok)
	assert.Equal(t, StatusDenied, req.Status)
	assert.Equal(t, "nope", req.DeniedReason)
	assert.Empty(t, q.List())

	_, ok = q.Resolve("a", StatusDenied, "")
	assert.False(t, ok)
}

func TestSweepExpires(t *testing.T) {
	q, now := newTestQueue(time.Minute, 256)

	var expired []Request
	q.OnExpire(func(req Request) { expired = append(expired, req) })

	q.Add(Request{ID: "old", Method: "ping", SessionPubkey: testCPK})
	*now = now.Add(30 * time.Second)
	q.Add(Request{ID: "young", Method: "ping", SessionPubkey: testCPK})

	*now = now.Add(31 * time.Second) // "old" is past TTL, "young" is not
	q.Sweep()

	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
	assert.Equal(t, StatusExpired, expired[0].Status)

	reqs := q.List()
	require.Len(t, reqs, 1)
	assert.Equal(t, "young", reqs[0].ID)
}

func TestListByKind(t *testing.T) {
	q, _ := newTestQueue(time.Minute, 256)
	q.Add(Request{ID: "a", Method: "sign_event", Kind: 1, SessionPubkey: testCPK})
	q.Add(Request{ID: "b", Method: "sign_event", Kind: 30023, SessionPubkey: testCPK})
	q.Add(Request{ID: "c", Method: "ping", Kind: -1, SessionPubkey: testCPK})

	byKind := q.ListByKind(1)
	require.Len(t, byKind, 1)
	assert.Equal(t, "a", byKind[0].ID)

	assert.Empty(t, q.ListByKind(4))
}
