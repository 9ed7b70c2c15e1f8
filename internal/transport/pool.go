// Package transport maintains the broker's relay connections. It keeps one
// websocket per configured relay, subscribes to NIP-46 envelopes addressed
// to the transport pubkey, reconnects with jittered exponential backoff,
// and publishes responses with a bounded deadline.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/frostr-org/igloo-server/internal/metrics"
)

// kindNostrConnect is the NIP-46 event kind.
const kindNostrConnect = 24133

// Handler processes one inbound envelope event.
type Handler func(ctx context.Context, ev *nostr.Event)

// Status describes one relay connection for the operator API.
type Status struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Attempts  int    `json:"attempts"`
}

// Pool manages the relay set for one broker user.
type Pool struct {
	pubkey         string
	handler        Handler
	maxRelays      int
	publishTimeout time.Duration

	// onChange, when set, receives the full relay list after every
	// mutation so the caller can persist it.
	onChange func(urls []string)

	mu     sync.Mutex
	ctx    context.Context
	relays map[string]*relayState
}

type relayState struct {
	url       string
	cancel    context.CancelFunc
	conn      *nostr.Relay
	connected bool
	attempts  int
}

// New creates a pool subscribing for envelopes addressed to pubkey.
func New(pubkey string, handler Handler, maxRelays int, publishTimeout time.Duration) *Pool {
	if maxRelays < 1 {
		maxRelays = 1
	}
	return &Pool{
		pubkey:         pubkey,
		handler:        handler,
		maxRelays:      maxRelays,
		publishTimeout: publishTimeout,
		relays:         make(map[string]*relayState),
	}
}

// OnChange registers a callback invoked with the relay list after additions
// and removals.
func (p *Pool) OnChange(fn func(urls []string)) { p.onChange = fn }

// Start connects to the initial relay set. It returns immediately; each
// relay runs its own connection loop until ctx is cancelled.
func (p *Pool) Start(ctx context.Context, urls []string) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	p.AddRelays(urls)
}

// AddRelays unions new relay URLs into the pool, capped at maxRelays. It
// returns the URLs actually added. Invalid schemes are skipped.
func (p *Pool) AddRelays(urls []string) (added []string) {
	p.mu.Lock()
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" || (!strings.HasPrefix(url, "wss://") && !strings.HasPrefix(url, "ws://")) {
			continue
		}
		if _, ok := p.relays[url]; ok {
			continue
		}
		if len(p.relays) >= p.maxRelays {
			slog.Warn("relay cap reached, ignoring relay", "relay", url, "cap", p.maxRelays)
			continue
		}
		st := &relayState{url: url}
		p.relays[url] = st
		added = append(added, url)
		if p.ctx != nil {
			ctx, cancel := context.WithCancel(p.ctx)
			st.cancel = cancel
			go p.runRelay(ctx, st)
		}
	}
	var all []string
	if len(added) > 0 && p.onChange != nil {
		all = p.urlsLocked()
	}
	p.mu.Unlock()

	if all != nil {
		p.onChange(all)
	}
	return added
}

// RemoveRelay disconnects and drops a relay from the pool.
func (p *Pool) RemoveRelay(url string) bool {
	p.mu.Lock()
	st, ok := p.relays[url]
	if ok {
		delete(p.relays, url)
		if st.cancel != nil {
			st.cancel()
		}
	}
	var all []string
	if ok && p.onChange != nil {
		all = p.urlsLocked()
	}
	p.mu.Unlock()

	if all != nil {
		p.onChange(all)
	}
	return ok
}

// Relays returns the configured relay URLs.
func (p *Pool) Relays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.urlsLocked()
}

func (p *Pool) urlsLocked() []string {
	out := make([]string, 0, len(p.relays))
	for url := range p.relays {
		out = append(out, url)
	}
	return out
}

// Statuses returns connection state for all relays.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.relays))
	for _, st := range p.relays {
		out = append(out, Status{URL: st.url, Connected: st.connected, Attempts: st.attempts})
	}
	return out
}

// runRelay is the per-relay connection loop: connect, subscribe, pump
// events, and on socket failure back off and retry. One loop per relay, so
// the reconnect scheduler is naturally idempotent.
func (p *Pool) runRelay(ctx context.Context, st *relayState) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := nostr.RelayConnect(ctx, st.url)
		if err != nil {
			p.scheduleRetry(ctx, st, fmt.Errorf("connect: %w", err))
			continue
		}

		since := nostr.Now()
		sub, err := conn.Subscribe(ctx, nostr.Filters{{
			Kinds: []int{kindNostrConnect},
			Tags:  nostr.TagMap{"p": []string{p.pubkey}},
			Since: &since,
		}})
		if err != nil {
			conn.Close()
			p.scheduleRetry(ctx, st, fmt.Errorf("subscribe: %w", err))
			continue
		}

		p.mu.Lock()
		st.conn = conn
		st.connected = true
		st.attempts = 0
		p.mu.Unlock()
		slog.Info("relay ready", "relay", st.url)

		// Pump until the subscription closes (relay disconnect or ctx
		// cancellation). Handler panics must not take the pump down.
		for ev := range sub.Events {
			if ev == nil {
				continue
			}
			event := ev
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("panic in envelope handler", "panic", r)
					}
				}()
				p.handler(ctx, event)
			}()
		}

		p.mu.Lock()
		st.conn = nil
		st.connected = false
		p.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		p.scheduleRetry(ctx, st, errors.New("subscription closed"))
	}
}

// scheduleRetry sleeps for the backoff delay of the current attempt count.
func (p *Pool) scheduleRetry(ctx context.Context, st *relayState, cause error) {
	p.mu.Lock()
	st.attempts++
	attempts := st.attempts
	p.mu.Unlock()

	delay := backoffDelay(attempts)
	slog.Warn("relay down, will reconnect", "relay", st.url, "attempt", attempts, "delay", delay, "error", cause)
	metrics.RelayReconnects.WithLabelValues(st.url).Inc()

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// Publish sends an envelope event to every connected relay with the pool's
// publish deadline. It succeeds when at least one relay accepted the event.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	p.mu.Lock()
	conns := make([]*nostr.Relay, 0, len(p.relays))
	for _, st := range p.relays {
		if st.connected && st.conn != nil {
			conns = append(conns, st.conn)
		}
	}
	p.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("no connected relays")
	}

	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	var published, failed int
	for _, conn := range conns {
		if err := conn.Publish(ctx, *ev); err != nil {
			slog.Warn("failed to publish envelope", "relay", conn.URL, "id", ev.ID, "error", err)
			failed++
		} else {
			published++
		}
	}
	if published == 0 {
		return fmt.Errorf("failed to publish to all %d relays", failed)
	}
	return nil
}

// TestRelay attempts a websocket connection to a relay and closes it.
func (p *Pool) TestRelay(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
