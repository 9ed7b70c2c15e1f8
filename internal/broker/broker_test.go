package broker

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frostr-org/igloo-server/internal/identity"
	"github.com/frostr-org/igloo-server/internal/queue"
	"github.com/frostr-org/igloo-server/internal/session"
)

// fakeTransport records published envelopes and hands them to waiting tests.
type fakeTransport struct {
	mu     sync.Mutex
	relays []string
	ch     chan *nostr.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan *nostr.Event, 16)}
}

func (f *fakeTransport) Publish(ctx context.Context, ev *nostr.Event) error {
	f.ch <- ev
	return nil
}

func (f *fakeTransport) AddRelays(urls []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relays = append(f.relays, urls...)
	return urls
}

// eventLog collects broker lifecycle events.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(name string, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, name)
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}

// client is a NIP-46 peer talking to the broker under test.
type client struct {
	sec string
	pub string
	key [32]byte // nip44 conversation key with the transport pubkey
}

func newClient(t *testing.T, transportPub string) *client {
	t.Helper()
	sec := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sec)
	require.NoError(t, err)
	kb, err := nip44.GenerateConversationKey(transportPub, sec)
	require.NoError(t, err)
	var key [32]byte
	copy(key[:], kb)
	return &client{sec: sec, pub: pub, key: key}
}

func (c *client) envelope(t *testing.T, msg rpcMessage) *nostr.Event {
	t.Helper()
	plain, err := json.Marshal(msg)
	require.NoError(t, err)
	nonce := make([]byte, 32)
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	content, err := nip44.Encrypt(string(plain), c.key[:], nip44.WithCustomNonce(nonce))
	require.NoError(t, err)
	ev := &nostr.Event{
		Kind:      24133,
		CreatedAt: nostr.Now(),
		Content:   content,
	}
	require.NoError(t, ev.Sign(c.sec))
	return ev
}

func (c *client) decode(t *testing.T, ev *nostr.Event) rpcResponse {
	t.Helper()
	plain, err := nip44.Decrypt(ev.Content, c.key[:])
	require.NoError(t, err)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal([]byte(plain), &resp))
	return resp
}

type harness struct {
	broker    *Broker
	sessions  *session.Store
	queue     *queue.Queue
	adapter   *identity.Adapter
	transport *fakeTransport
	events    *eventLog
	signerPub string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signerSec := nostr.GeneratePrivateKey()
	signerPub, err := nostr.GetPublicKey(signerSec)
	require.NoError(t, err)
	signer, err := identity.NewLocalSigner(signerSec)
	require.NoError(t, err)

	adapter := identity.NewAdapter(5 * time.Second)
	adapter.Bind(signer)

	sessions := session.NewStore(1, nil)
	q := queue.New(1, nil, 10*time.Minute, 256)

	bk, err := New(nostr.GeneratePrivateKey(), sessions, q, adapter, Options{Workers: 4})
	require.NoError(t, err)

	ft := newFakeTransport()
	bk.SetTransport(ft)
	log := &eventLog{}
	bk.SetEvents(log.record)
	q.OnExpire(bk.HandleExpired)

	return &harness{broker: bk, sessions: sessions, queue: q, adapter: adapter, transport: ft, events: log, signerPub: signerPub}
}

func (h *harness) awaitResponse(t *testing.T, c *client) rpcResponse {
	t.Helper()
	select {
	case ev := <-h.transport.ch:
		return c.decode(t, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no response published")
		return rpcResponse{}
	}
}

func (h *harness) awaitQueued(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.queue.List()) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

// ─── Connect / promotion ──────────────────────────────────────────────────────

func TestConnectPromotesSession(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "r1",
		Method: "connect",
		Params: []string{h.signerPub, "s3cret"},
	}))
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, "s3cret", resp.Result)
	assert.Empty(t, resp.Error)

	sess, ok := h.sessions.Get(c.pub)
	require.True(t, ok)
	assert.Equal(t, session.StatusActive, sess.Status)
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
			ID:     "r" + string(rune('1'+i)),
			Method: "connect",
			Params: []string{h.signerPub},
		}))
		resp := h.awaitResponse(t, c)
		assert.Equal(t, "ack", resp.Result)
	}

	// The second connect is acked again but fires no second lifecycle event.
	assert.Equal(t, 1, h.events.count("session:active"))
}

func TestConnectRecordsRequestedPerms(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())

	h.broker.HandleEnvelope(context.Background(), c.envelope(t, rpcMessage{
		ID:     "r1",
		Method: "connect",
		Params: []string{h.signerPub, "", "sign_event:1,nip44_encrypt"},
	}))
	h.awaitResponse(t, c)

	sess, ok := h.sessions.Get(c.pub)
	require.True(t, ok)
	require.NotNil(t, sess.Requested)
	assert.True(t, sess.Requested.Kinds["1"])
	assert.True(t, sess.Requested.Methods["nip44_encrypt"])

	// Requested perms are informational; the live policy is untouched.
	assert.False(t, sess.Policy.Kinds["1"])
}

// ─── Request pipeline ─────────────────────────────────────────────────────────

func TestPingAllowedByDefault(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())

	h.broker.HandleEnvelope(context.Background(), c.envelope(t, rpcMessage{ID: "p1", Method: "ping"}))
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "pong", resp.Result)

	// First contact registered a pending session.
	sess, ok := h.sessions.Get(c.pub)
	require.True(t, ok)
	assert.Equal(t, session.StatusPending, sess.Status)
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())

	h.broker.HandleEnvelope(context.Background(), c.envelope(t, rpcMessage{ID: "x", Method: "describe"}))
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "unknown method: describe", resp.Error)
}

func TestGetPublicKeyReturnsSignerIdentity(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())

	p := session.NewPolicy()
	p.Methods["get_public_key"] = true
	_, err := h.sessions.Upsert(&session.Session{Pubkey: c.pub, Policy: p})
	require.NoError(t, err)

	h.broker.HandleEnvelope(context.Background(), c.envelope(t, rpcMessage{ID: "g1", Method: "get_public_key"}))
	resp := h.awaitResponse(t, c)

	// The signing identity, never the transport key.
	assert.Equal(t, h.signerPub, resp.Result)
	assert.NotEqual(t, h.broker.Pubkey(), resp.Result)
}

func TestSignEventAllowedByWildcard(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())

	p := session.NewPolicy()
	p.Kinds["*"] = true
	_, err := h.sessions.Upsert(&session.Session{Pubkey: c.pub, Policy: p})
	require.NoError(t, err)

	h.broker.HandleEnvelope(context.Background(), c.envelope(t, rpcMessage{
		ID:     "s1",
		Method: "sign_event",
		Params: []string{`{"kind":1,"created_at":1700000000,"content":"hello"}`},
	}))
	resp := h.awaitResponse(t, c)
	require.Empty(t, resp.Error)

	var ev nostr.Event
	require.NoError(t, json.Unmarshal([]byte(resp.Result), &ev))
	assert.Equal(t, h.signerPub, ev.PubKey)
	assert.Equal(t, ev.GetID(), ev.ID)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)

	// Activity tracking picked up the kind.
	sess, _ := h.sessions.Get(c.pub)
	assert.Contains(t, sess.RecentKinds, 1)
}

func TestUnauthorizedWhenSignerLocked(t *testing.T) {
	h := newHarness(t)
	h.adapter.Unbind()
	c := newClient(t, h.broker.Pubkey())

	p := session.NewPolicy()
	p.Kinds["*"] = true
	_, err := h.sessions.Upsert(&session.Session{Pubkey: c.pub, Policy: p})
	require.NoError(t, err)

	h.broker.HandleEnvelope(context.Background(), c.envelope(t, rpcMessage{
		ID:     "s1",
		Method: "sign_event",
		Params: []string{`{"kind":1,"content":""}`},
	}))
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "unauthorized", resp.Error)
}

// ─── Queue and approvals ──────────────────────────────────────────────────────

func TestPromptQueuesWithoutResponse(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())

	h.broker.HandleEnvelope(context.Background(), c.envelope(t, rpcMessage{
		ID:     "q1",
		Method: "sign_event",
		Params: []string{`{"kind":1,"content":"hi"}`},
	}))
	h.awaitQueued(t, 1)

	reqs := h.queue.List()
	require.Len(t, reqs, 1)
	assert.Equal(t, "q1", reqs[0].ID)
	assert.Equal(t, 1, reqs[0].Kind)
	assert.Empty(t, reqs[0].DeniedReason)

	// No response until the operator decides.
	select {
	case <-h.transport.ch:
		t.Fatal("prompted request must not be answered before a decision")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPolicyDenialIsQueuedWithReason(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())

	p := session.NewPolicy()
	p.Kinds["1"] = false
	_, err := h.sessions.Upsert(&session.Session{Pubkey: c.pub, Policy: p})
	require.NoError(t, err)

	h.broker.HandleEnvelope(context.Background(), c.envelope(t, rpcMessage{
		ID:     "d1",
		Method: "sign_event",
		Params: []string{`{"kind":1,"content":""}`},
	}))
	h.awaitQueued(t, 1)

	reqs := h.queue.List()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sign_event kind 1 not allowed by policy", reqs[0].DeniedReason)
}

func TestApproveWithAutoGrant(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "q1",
		Method: "sign_event",
		Params: []string{`{"kind":30023,"created_at":1700000000,"content":"post"}`},
	}))
	h.awaitQueued(t, 1)

	require.NoError(t, h.broker.Approve(ctx, "q1", true))
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "q1", resp.ID)
	assert.Empty(t, resp.Error)
	assert.Empty(t, h.queue.List())

	// Auto-grant widened the policy by exactly this kind, nothing else.
	pol, err := h.sessions.GetPolicy(c.pub)
	require.NoError(t, err)
	assert.True(t, pol.Kinds["30023"])
	assert.False(t, pol.Kinds["*"])
	assert.False(t, pol.Methods["sign_event"])

	// The same kind now flows straight through.
	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "q2",
		Method: "sign_event",
		Params: []string{`{"kind":30023,"content":"again"}`},
	}))
	resp = h.awaitResponse(t, c)
	assert.Empty(t, resp.Error)

	// A different kind still prompts.
	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "q3",
		Method: "sign_event",
		Params: []string{`{"kind":1,"content":"other"}`},
	}))
	h.awaitQueued(t, 1)
}

func TestApproveWithoutAutoGrantIsSingleServe(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "q1",
		Method: "nip44_encrypt",
		Params: []string{c.pub, "payload"},
	}))
	h.awaitQueued(t, 1)

	require.NoError(t, h.broker.Approve(ctx, "q1", false))
	resp := h.awaitResponse(t, c)
	assert.Empty(t, resp.Error)
	assert.NotEmpty(t, resp.Result)

	pol, err := h.sessions.GetPolicy(c.pub)
	require.NoError(t, err)
	assert.False(t, pol.Methods["nip44_encrypt"])

	// The next identical request prompts again.
	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "q2",
		Method: "nip44_encrypt",
		Params: []string{c.pub, "payload"},
	}))
	h.awaitQueued(t, 1)
}

func TestDenySendsReason(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "q1",
		Method: "sign_event",
		Params: []string{`{"kind":1,"content":""}`},
	}))
	h.awaitQueued(t, 1)

	require.NoError(t, h.broker.Deny(ctx, "q1", "operator said no"))
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "q1", resp.ID)
	assert.Equal(t, "operator said no", resp.Error)
	assert.Empty(t, h.queue.List())

	assert.Error(t, h.broker.Deny(ctx, "q1", ""))
}

func TestExpiredRequestIsAnswered(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())

	h.broker.HandleExpired(queue.Request{ID: "e1", Method: "sign_event", SessionPubkey: c.pub})
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "e1", resp.ID)
	assert.Equal(t, "expired", resp.Error)
}

func TestQueueOverflowAnswersVictim(t *testing.T) {
	signerSec := nostr.GeneratePrivateKey()
	signer, err := identity.NewLocalSigner(signerSec)
	require.NoError(t, err)
	adapter := identity.NewAdapter(time.Second)
	adapter.Bind(signer)

	sessions := session.NewStore(1, nil)
	q := queue.New(1, nil, 10*time.Minute, 2)
	bk, err := New(nostr.GeneratePrivateKey(), sessions, q, adapter, Options{})
	require.NoError(t, err)
	ft := newFakeTransport()
	bk.SetTransport(ft)

	c := newClient(t, bk.Pubkey())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		bk.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
			ID:     id,
			Method: "sign_event",
			Params: []string{`{"kind":1,"content":""}`},
		}))
	}

	// Same-client requests dispatch in receipt order, so the oldest entry
	// is the one evicted when the cap is hit.
	select {
	case ev := <-ft.ch:
		resp := c.decode(t, ev)
		assert.Equal(t, "a", resp.ID)
		assert.Equal(t, "queue overflow", resp.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("overflow victim was never answered")
	}
	assert.Len(t, q.List(), 2)
}

func TestSameClientRequestsKeepReceiptOrder(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	// All of these prompt, so the queue records the order they were
	// dispatched in.
	ids := []string{"q1", "q2", "q3", "q4", "q5"}
	for _, id := range ids {
		h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
			ID:     id,
			Method: "sign_event",
			Params: []string{`{"kind":1,"content":""}`},
		}))
	}
	h.awaitQueued(t, len(ids))

	reqs := h.queue.List()
	require.Len(t, reqs, len(ids))
	for i, req := range reqs {
		assert.Equal(t, ids[i], req.ID)
	}
}

// ─── Operator pairing and revocation ──────────────────────────────────────────

func TestConnectToClientSendsSecretAck(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	uri, err := ParseConnectURI("nostrconnect://" + c.pub +
		"?relay=wss%3A%2F%2Frelay.example&secret=deadbeef&name=TestApp&perms=sign_event%3A1")
	require.NoError(t, err)

	sess, err := h.broker.ConnectToClient(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Equal(t, "TestApp", sess.Profile.Name)
	require.NotNil(t, sess.Requested)
	assert.True(t, sess.Requested.Kinds["1"])
	assert.Contains(t, h.transport.relays, "wss://relay.example")

	// The broker proactively publishes {id: secret, result: secret}.
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "deadbeef", resp.ID)
	assert.Equal(t, "deadbeef", resp.Result)

	// The client's follow-up connect is answered with the same secret and
	// promotes the session.
	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{ID: "c1", Method: "connect", Params: []string{h.signerPub}}))
	resp = h.awaitResponse(t, c)
	assert.Equal(t, "deadbeef", resp.Result)

	sess, _ = h.sessions.Get(c.pub)
	assert.Equal(t, session.StatusActive, sess.Status)
}

func TestConnectPrefersClientSuppliedSecret(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	uri, err := ParseConnectURI("nostrconnect://" + c.pub +
		"?relay=wss%3A%2F%2Frelay.example&secret=deadbeef")
	require.NoError(t, err)
	_, err = h.broker.ConnectToClient(ctx, uri)
	require.NoError(t, err)
	h.awaitResponse(t, c) // proactive secret ack

	// A secret in the connect params wins over the pairing secret.
	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "c1",
		Method: "connect",
		Params: []string{h.signerPub, "client-chosen"},
	}))
	resp := h.awaitResponse(t, c)
	assert.Equal(t, "client-chosen", resp.Result)
}

func TestRevokeDeniesQueuedRequests(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{
		ID:     "q1",
		Method: "sign_event",
		Params: []string{`{"kind":1,"content":""}`},
	}))
	h.awaitQueued(t, 1)

	require.NoError(t, h.broker.Revoke(ctx, c.pub))

	resp := h.awaitResponse(t, c)
	assert.Equal(t, "q1", resp.ID)
	assert.Equal(t, "session revoked", resp.Error)

	_, ok := h.sessions.Get(c.pub)
	assert.False(t, ok)
	assert.Empty(t, h.queue.List())
	assert.Equal(t, 1, h.events.count("session:revoked"))
}

// ─── Envelope hygiene ─────────────────────────────────────────────────────────

func TestMalformedEnvelopesAreDropped(t *testing.T) {
	h := newHarness(t)
	c := newClient(t, h.broker.Pubkey())
	ctx := context.Background()

	// Wrong kind.
	ev := c.envelope(t, rpcMessage{ID: "x", Method: "ping"})
	ev.Kind = 1
	h.broker.HandleEnvelope(ctx, ev)

	// Undecryptable content.
	garbage := &nostr.Event{Kind: 24133, CreatedAt: nostr.Now(), Content: "AAAA"}
	require.NoError(t, garbage.Sign(c.sec))
	h.broker.HandleEnvelope(ctx, garbage)

	// Response payloads addressed to us are ignored.
	h.broker.HandleEnvelope(ctx, c.envelope(t, rpcMessage{ID: "x", Result: "pong"}))

	select {
	case <-h.transport.ch:
		t.Fatal("dropped envelope produced a response")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, h.queue.List())
}
