// Package broker is the NIP-46 core: it decodes inbound envelopes, walks the
// session state machine, evaluates policy, executes allowed requests against
// the identity signer, and emits encrypted responses back through the relay
// pool. Operator approvals and denials land here too.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/frostr-org/igloo-server/internal/codec"
	"github.com/frostr-org/igloo-server/internal/identity"
	"github.com/frostr-org/igloo-server/internal/metrics"
	"github.com/frostr-org/igloo-server/internal/policy"
	"github.com/frostr-org/igloo-server/internal/queue"
	"github.com/frostr-org/igloo-server/internal/session"
)

// kindNostrConnect is the NIP-46 event kind.
const kindNostrConnect = 24133

// publishRetryDelay is the pause before the single resend of a response
// whose first publish failed.
const publishRetryDelay = 2 * time.Second

// knownMethods is the NIP-46 method set this broker answers.
var knownMethods = map[string]bool{
	"connect":        true,
	"get_public_key": true,
	"sign_event":     true,
	"nip44_encrypt":  true,
	"nip44_decrypt":  true,
	"nip04_encrypt":  true,
	"nip04_decrypt":  true,
	"ping":           true,
}

// Transport is the relay-pool surface the broker publishes through.
type Transport interface {
	Publish(ctx context.Context, ev *nostr.Event) error
	AddRelays(urls []string) (added []string)
}

// EventFunc receives broker lifecycle events for the operator stream.
type EventFunc func(name string, data any)

// rpcMessage is a decrypted NIP-46 payload; requests carry method+params,
// responses carry result or error.
type rpcMessage struct {
	ID     string   `json:"id"`
	Method string   `json:"method,omitempty"`
	Params []string `json:"params,omitempty"`
	Result string   `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

func (m *rpcMessage) isResponse() bool {
	return m.Method == "" && (m.Result != "" || m.Error != "")
}

type rpcResponse struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Broker drives NIP-46 for one user.
type Broker struct {
	secret string // transport secret, hex
	pubkey string // transport pubkey

	codec     *codec.Codec
	sessions  *session.Store
	queue     *queue.Queue
	adapter   *identity.Adapter
	transport Transport
	events    EventFunc

	defaultPolicy session.Policy

	// locks serializes dispatch per client pubkey, on top of the session
	// store's own locking. Broker lock is always taken first.
	locks *session.LockMap
	// sem bounds concurrent identity-signer calls.
	sem chan struct{}

	// secrets holds the connect secret per client for operator-initiated
	// pairings, so the connect ack can echo it.
	secretsMu sync.Mutex
	secrets   map[string]string

	// inboxes keeps one FIFO per client so same-client requests dispatch in
	// receipt order.
	inboxMu sync.Mutex
	inboxes map[string]*inbox
}

// Options configures a Broker.
type Options struct {
	// DefaultPolicy seeds new sessions; a zero value grants only ping.
	DefaultPolicy *session.Policy
	// Workers bounds concurrent identity operations (default 8).
	Workers int
}

// New creates a broker signing envelopes with the given transport secret.
func New(transportSecret string, sessions *session.Store, q *queue.Queue, adapter *identity.Adapter, opts Options) (*Broker, error) {
	pub, err := nostr.GetPublicKey(transportSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid transport secret: %w", err)
	}
	c, err := codec.New(transportSecret)
	if err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	def := session.Policy{Methods: map[string]bool{"ping": true}, Kinds: map[string]bool{}}
	if opts.DefaultPolicy != nil {
		def = opts.DefaultPolicy.Clone()
	}
	return &Broker{
		secret:        transportSecret,
		pubkey:        pub,
		codec:         c,
		sessions:      sessions,
		queue:         q,
		adapter:       adapter,
		defaultPolicy: def,
		locks:         session.NewLockMap(),
		sem:           make(chan struct{}, workers),
		secrets:       make(map[string]string),
		inboxes:       make(map[string]*inbox),
	}, nil
}

// Pubkey returns the transport pubkey clients address envelopes to.
func (b *Broker) Pubkey() string { return b.pubkey }

// SetTransport attaches the relay pool.
func (b *Broker) SetTransport(t Transport) { b.transport = t }

// SetEvents attaches the operator event stream.
func (b *Broker) SetEvents(fn EventFunc) { b.events = fn }

func (b *Broker) emit(name string, data any) {
	if b.events != nil {
		b.events(name, data)
	}
}

// ─── Inbound path ─────────────────────────────────────────────────────────────

// HandleEnvelope processes one kind-24133 event from a relay. Undecryptable
// or unparseable payloads are dropped with a log line; nothing a client
// sends can take the broker down.
func (b *Broker) HandleEnvelope(ctx context.Context, ev *nostr.Event) {
	if ev == nil || ev.Kind != kindNostrConnect {
		return
	}
	cpk, err := session.NormalizeKey(ev.PubKey)
	if err != nil {
		slog.Warn("envelope with invalid sender pubkey", "pubkey", ev.PubKey)
		return
	}

	plain, scheme, err := b.codec.Decrypt(cpk, ev.Content)
	if err != nil {
		slog.Warn("dropping undecryptable envelope", "session", short(cpk), "error", err)
		return
	}
	if scheme == codec.SchemeNIP04 {
		slog.Debug("nip04 fallback used", "session", short(cpk))
	}

	var msg rpcMessage
	if err := json.Unmarshal([]byte(plain), &msg); err != nil || msg.ID == "" {
		slog.Warn("dropping malformed payload", "session", short(cpk))
		return
	}
	if msg.isResponse() {
		// We are the signer side; stray responses are not ours to answer.
		slog.Debug("ignoring response payload", "session", short(cpk), "id", msg.ID)
		return
	}

	metrics.RequestsTotal.WithLabelValues(msg.Method).Inc()
	b.submit(ctx, cpk, msg)
}

// inbox is the per-client FIFO of decoded requests awaiting dispatch.
type inbox struct {
	pending  []rpcMessage
	draining bool
}

// submit appends the message to the client's inbox and starts a drainer when
// none is running. One client's requests are dispatched in receipt order;
// different clients proceed in parallel.
func (b *Broker) submit(ctx context.Context, cpk string, msg rpcMessage) {
	b.inboxMu.Lock()
	in, ok := b.inboxes[cpk]
	if !ok {
		in = &inbox{}
		b.inboxes[cpk] = in
	}
	in.pending = append(in.pending, msg)
	start := !in.draining
	if start {
		in.draining = true
	}
	b.inboxMu.Unlock()
	if start {
		go b.drain(ctx, cpk, in)
	}
}

// drain dispatches the client's inbox in order, then retires it.
func (b *Broker) drain(ctx context.Context, cpk string, in *inbox) {
	for {
		b.inboxMu.Lock()
		if len(in.pending) == 0 {
			delete(b.inboxes, cpk)
			b.inboxMu.Unlock()
			return
		}
		msg := in.pending[0]
		in.pending = in.pending[1:]
		b.inboxMu.Unlock()
		b.dispatch(ctx, cpk, msg)
	}
}

// dispatch runs the request pipeline for one message, serialized per client.
func (b *Broker) dispatch(ctx context.Context, cpk string, msg rpcMessage) {
	release := b.locks.Acquire(cpk)
	defer release()

	if msg.Method == "connect" {
		b.handleConnect(ctx, cpk, msg)
		return
	}
	if !knownMethods[msg.Method] {
		b.respond(ctx, cpk, rpcResponse{ID: msg.ID, Error: "unknown method: " + msg.Method})
		return
	}

	b.ensureSession(cpk)
	sess, ok := b.sessions.Get(cpk)
	if !ok {
		b.respond(ctx, cpk, rpcResponse{ID: msg.ID, Error: "no session"})
		return
	}

	res := policy.Evaluate(sess.Policy, msg.Method, msg.Params)
	metrics.PolicyDecisions.WithLabelValues(string(res.Decision)).Inc()

	switch res.Decision {
	case policy.Allow:
		b.executeAndRespond(ctx, cpk, msg, res.Kind)
	case policy.Deny, policy.Prompt:
		b.enqueue(ctx, cpk, msg, res)
	}
}

// ensureSession creates a pending session with the default policy on first
// contact from an unknown client.
func (b *Broker) ensureSession(cpk string) {
	if _, ok := b.sessions.Get(cpk); ok {
		return
	}
	changed, err := b.sessions.Upsert(&session.Session{
		Pubkey: cpk,
		Status: session.StatusPending,
		Policy: b.defaultPolicy.Clone(),
	})
	if err != nil {
		slog.Warn("failed to register session", "session", short(cpk), "error", err)
		return
	}
	if changed {
		slog.Info("new client session", "session", short(cpk), "status", "pending")
		b.emit("session:pending", map[string]any{"pubkey": cpk})
	}
}

// handleConnect answers the handshake and promotes the session to active.
// Promotion is idempotent: a second connect from an already-active client is
// acked again without a second lifecycle event.
func (b *Broker) handleConnect(ctx context.Context, cpk string, msg rpcMessage) {
	b.ensureSession(cpk)

	// Echo secret precedence: the secret the client sent in its connect
	// params wins, then the operator-pasted URI secret, then a plain ack.
	b.secretsMu.Lock()
	pairingSecret := b.secrets[cpk]
	b.secretsMu.Unlock()
	reply := "ack"
	if len(msg.Params) > 1 && msg.Params[1] != "" {
		reply = msg.Params[1]
	} else if pairingSecret != "" {
		reply = pairingSecret
	}

	up := &session.Session{Pubkey: cpk, Status: session.StatusActive}
	if len(msg.Params) > 2 && msg.Params[2] != "" {
		up.Requested = parseRequestedPerms(msg.Params[2])
	}
	changed, err := b.sessions.Upsert(up)
	if err != nil {
		b.respond(ctx, cpk, rpcResponse{ID: msg.ID, Error: "invalid session"})
		return
	}

	b.respond(ctx, cpk, rpcResponse{ID: msg.ID, Result: reply})
	b.sessions.Touch(cpk, nil, []string{"connect"})
	if changed {
		slog.Info("session active", "session", short(cpk))
		b.emit("session:active", map[string]any{"pubkey": cpk})
	}
}

// parseRequestedPerms accepts both shapes clients send: the NIP-46 CSV
// shorthand and a JSON policy object.
func parseRequestedPerms(raw string) *session.Policy {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var p session.Policy
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			if p.Methods == nil {
				p.Methods = map[string]bool{}
			}
			if p.Kinds == nil {
				p.Kinds = map[string]bool{}
			}
			return &p
		}
		return nil
	}
	p := parsePermsCSV(raw)
	if len(p.Methods) == 0 && len(p.Kinds) == 0 {
		return nil
	}
	return &p
}

// enqueue parks a request for operator review. Policy denials are queued
// with their reason rather than auto-answered, so the operator sees exactly
// what was blocked and can overrule.
func (b *Broker) enqueue(ctx context.Context, cpk string, msg rpcMessage, res policy.Result) {
	req := queue.Request{
		ID:            msg.ID,
		Method:        msg.Method,
		Params:        msg.Params,
		SessionPubkey: cpk,
		Kind:          res.Kind,
	}
	if res.Decision == policy.Deny {
		req.DeniedReason = res.Reason
	}
	overflowed := b.queue.Add(req)
	if overflowed != nil {
		b.respond(ctx, cpk, rpcResponse{ID: overflowed.ID, Error: "queue overflow"})
		b.emit("request:resolved", overflowed)
	}
	slog.Info("request queued", "id", req.ID, "method", req.Method,
		"session", short(cpk), "reason", req.DeniedReason)
	b.emit("request:queued", req)
}

// executeAndRespond runs an allowed request through the identity signer,
// bounded by the worker pool, and publishes the outcome.
func (b *Broker) executeAndRespond(ctx context.Context, cpk string, msg rpcMessage, kind int) {
	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	result, err := b.execute(ctx, msg.Method, msg.Params)
	if err != nil {
		b.respond(ctx, cpk, rpcResponse{ID: msg.ID, Error: errMessage(err)})
		return
	}
	b.respond(ctx, cpk, rpcResponse{ID: msg.ID, Result: result})

	if msg.Method == "sign_event" && kind >= 0 {
		b.sessions.Touch(cpk, []int{kind}, []string{msg.Method})
	} else {
		b.sessions.Touch(cpk, nil, []string{msg.Method})
	}
}

// execute maps a NIP-46 method onto the identity adapter.
func (b *Broker) execute(ctx context.Context, method string, params []string) (string, error) {
	switch method {
	case "ping":
		return "pong", nil
	case "get_public_key":
		// Always the signing identity, never the transport key.
		return b.adapter.GetPublicKey(ctx)
	case "sign_event":
		if len(params) == 0 {
			return "", fmt.Errorf("sign_event requires an event template")
		}
		signed, err := b.adapter.SignEvent(ctx, params[0])
		if err != nil {
			return "", err
		}
		return normalizeSigned(signed)
	case "nip44_encrypt":
		if len(params) < 2 {
			return "", fmt.Errorf("%s requires a peer pubkey and payload", method)
		}
		return b.adapter.Nip44Encrypt(ctx, params[0], params[1])
	case "nip44_decrypt":
		if len(params) < 2 {
			return "", fmt.Errorf("%s requires a peer pubkey and payload", method)
		}
		return b.adapter.Nip44Decrypt(ctx, params[0], params[1])
	case "nip04_encrypt":
		if len(params) < 2 {
			return "", fmt.Errorf("%s requires a peer pubkey and payload", method)
		}
		return b.adapter.Nip04Encrypt(ctx, params[0], params[1])
	case "nip04_decrypt":
		if len(params) < 2 {
			return "", fmt.Errorf("%s requires a peer pubkey and payload", method)
		}
		return b.adapter.Nip04Decrypt(ctx, params[0], params[1])
	default:
		return "", fmt.Errorf("unknown method: %s", method)
	}
}

// normalizeSigned cleans up a signer's event JSON before it goes back to the
// client: the pubkey loses any compressed-point prefix and the id is
// recomputed over the canonical serialization.
func normalizeSigned(raw string) (string, error) {
	var ev nostr.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return "", fmt.Errorf("signer returned malformed event: %w", err)
	}
	pk, err := codec.NormalizePubkey(ev.PubKey)
	if err != nil {
		return "", fmt.Errorf("signer returned invalid pubkey: %w", err)
	}
	ev.PubKey = pk
	id, err := codec.EventID(ev.PubKey, int64(ev.CreatedAt), ev.Kind, ev.Tags, ev.Content)
	if err != nil {
		return "", err
	}
	ev.ID = id
	out, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ─── Outbound path ────────────────────────────────────────────────────────────

// respond encrypts, signs, and publishes a response envelope to a client.
// One resend is attempted when the first publish fails.
func (b *Broker) respond(ctx context.Context, cpk string, resp rpcResponse) {
	if b.transport == nil {
		slog.Warn("no transport, dropping response", "id", resp.ID)
		return
	}
	plain, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "id", resp.ID, "error", err)
		return
	}
	content, err := b.codec.Encrypt(cpk, string(plain))
	if err != nil {
		slog.Error("failed to encrypt response", "session", short(cpk), "error", err)
		return
	}
	ev := &nostr.Event{
		Kind:      kindNostrConnect,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", cpk}},
		Content:   content,
	}
	if err := ev.Sign(b.secret); err != nil {
		slog.Error("failed to sign response envelope", "error", err)
		return
	}

	err = b.transport.Publish(ctx, ev)
	if err == nil {
		return
	}
	slog.Warn("publish failed, will retry once", "id", resp.ID, "session", short(cpk), "error", err)
	retryCtx := context.WithoutCancel(ctx)
	go func() {
		time.Sleep(publishRetryDelay)
		if err := b.transport.Publish(retryCtx, ev); err != nil {
			slog.Error("response lost after retry", "id", resp.ID, "session", short(cpk), "error", err)
		}
	}()
}

// errMessage maps internal errors onto the strings clients see.
func errMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, identity.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, identity.ErrTimeout):
		return "timeout"
	case errors.Is(err, identity.ErrNotSupported):
		return "not supported"
	default:
		return err.Error()
	}
}

// ─── Operator path ────────────────────────────────────────────────────────────

// ConnectToClient registers a pending session from a pasted nostrconnect://
// URI, joins the URI's relays, and proactively publishes the secret ack the
// client is waiting for.
func (b *Broker) ConnectToClient(ctx context.Context, uri *ConnectURI) (*session.Session, error) {
	if b.transport != nil {
		b.transport.AddRelays(uri.Relays)
	}
	_, err := b.sessions.Upsert(&session.Session{
		Pubkey:    uri.ClientPubkey,
		Status:    session.StatusPending,
		Profile:   uri.Profile,
		Requested: uri.Perms,
		Relays:    uri.Relays,
		Policy:    b.defaultPolicy.Clone(),
	})
	if err != nil {
		return nil, err
	}
	if uri.Secret != "" {
		b.secretsMu.Lock()
		b.secrets[uri.ClientPubkey] = uri.Secret
		b.secretsMu.Unlock()
		b.respond(ctx, uri.ClientPubkey, rpcResponse{ID: uri.Secret, Result: uri.Secret})
	}
	slog.Info("client pairing initiated", "session", short(uri.ClientPubkey), "relays", len(uri.Relays))
	b.emit("session:pending", map[string]any{"pubkey": uri.ClientPubkey})

	sess, _ := b.sessions.Get(uri.ClientPubkey)
	return sess, nil
}

// Approve executes a queued request and answers the client. With autoGrant
// the exact method (or, for sign_event, the exact kind) is added to the
// session policy so the same request is allowed next time.
func (b *Broker) Approve(ctx context.Context, id string, autoGrant bool) error {
	req, ok := b.queue.Get(id)
	if !ok {
		return fmt.Errorf("no pending request %s", id)
	}

	release := b.locks.Acquire(req.SessionPubkey)
	defer release()
	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	if req.Kind < 0 && req.Method == "sign_event" && len(req.Params) > 0 {
		// Restored rows lose the parsed kind; recover it for auto-grant.
		if tmpl, err := codec.ParseEventTemplate(req.Params[0]); err == nil {
			req.Kind = tmpl.Kind
		}
	}

	result, err := b.execute(ctx, req.Method, req.Params)
	if err != nil {
		resolved, _ := b.queue.Resolve(id, queue.StatusFailed, errMessage(err))
		b.respond(ctx, req.SessionPubkey, rpcResponse{ID: id, Error: errMessage(err)})
		b.emit("request:resolved", resolved)
		return err
	}

	resolved, _ := b.queue.Resolve(id, queue.StatusCompleted, "")
	b.respond(ctx, req.SessionPubkey, rpcResponse{ID: id, Result: result})
	if req.Method == "sign_event" && req.Kind >= 0 {
		b.sessions.Touch(req.SessionPubkey, []int{req.Kind}, []string{req.Method})
	} else {
		b.sessions.Touch(req.SessionPubkey, nil, []string{req.Method})
	}

	if autoGrant {
		if err := b.autoGrant(req); err != nil {
			slog.Warn("auto-grant failed", "id", id, "error", err)
		}
	}
	slog.Info("request approved", "id", id, "method", req.Method, "session", short(req.SessionPubkey), "auto_grant", autoGrant)
	b.emit("request:resolved", resolved)
	return nil
}

// autoGrant widens the session policy by exactly the approved operation.
func (b *Broker) autoGrant(req queue.Request) error {
	p, err := b.sessions.GetPolicy(req.SessionPubkey)
	if err != nil {
		return err
	}
	p = p.Clone()
	if req.Method == "sign_event" {
		if req.Kind < 0 {
			return fmt.Errorf("cannot auto-grant sign_event without a parsed kind")
		}
		p.Kinds[strconv.Itoa(req.Kind)] = true
	} else {
		p.Methods[req.Method] = true
	}
	return b.sessions.UpdatePolicy(req.SessionPubkey, p)
}

// Deny rejects a queued request; the reason travels back to the client.
func (b *Broker) Deny(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "denied"
	}
	resolved, ok := b.queue.Resolve(id, queue.StatusDenied, reason)
	if !ok {
		return fmt.Errorf("no pending request %s", id)
	}
	b.respond(ctx, resolved.SessionPubkey, rpcResponse{ID: id, Error: reason})
	slog.Info("request denied", "id", id, "method", resolved.Method, "session", short(resolved.SessionPubkey), "reason", reason)
	b.emit("request:resolved", resolved)
	return nil
}

// ApproveByKind approves every queued sign_event request of the given kind.
// Returns how many were approved.
func (b *Broker) ApproveByKind(ctx context.Context, kind int, autoGrant bool) int {
	n := 0
	for _, req := range b.queue.ListByKind(kind) {
		if err := b.Approve(ctx, req.ID, autoGrant); err == nil {
			n++
		}
	}
	return n
}

// DenyByKind denies every queued sign_event request of the given kind.
func (b *Broker) DenyByKind(ctx context.Context, kind int, reason string) int {
	n := 0
	for _, req := range b.queue.ListByKind(kind) {
		if err := b.Deny(ctx, req.ID, reason); err == nil {
			n++
		}
	}
	return n
}

// Revoke deletes a session, denies its queued requests, and forgets its
// pairing secret. The client has to pair again from scratch.
func (b *Broker) Revoke(ctx context.Context, cpk string) error {
	key, err := session.NormalizeKey(cpk)
	if err != nil {
		return err
	}
	for _, req := range b.queue.ListBySession(key) {
		if resolved, ok := b.queue.Resolve(req.ID, queue.StatusDenied, "session revoked"); ok {
			b.respond(ctx, key, rpcResponse{ID: req.ID, Error: "session revoked"})
			b.emit("request:resolved", resolved)
		}
	}
	b.secretsMu.Lock()
	delete(b.secrets, key)
	b.secretsMu.Unlock()
	if err := b.sessions.Revoke(key); err != nil {
		return err
	}
	slog.Info("session revoked", "session", short(key))
	b.emit("session:revoked", map[string]any{"pubkey": key})
	return nil
}

// HandleExpired answers a TTL-swept request; wired as the queue's expiry
// callback.
func (b *Broker) HandleExpired(req queue.Request) {
	b.respond(context.Background(), req.SessionPubkey, rpcResponse{ID: req.ID, Error: "expired"})
	b.emit("request:resolved", req)
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8] + "…"
	}
	return s
}
