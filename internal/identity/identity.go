// Package identity is the only path through which signing key material is
// used. It defines the narrow interface to the identity signer, a deadline
// wrapper around it, and the sealing of the persisted credential blob.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/frostr-org/igloo-server/internal/metrics"
)

var (
	// ErrUnauthorized means no unwrap key is available: nobody with the
	// user's credentials has logged in since the process started.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotSupported is returned for operations the signer does not
	// implement (e.g. NIP-04 on some backends).
	ErrNotSupported = errors.New("not supported")
	// ErrTimeout means the per-operation deadline expired. The underlying
	// operation keeps running so a remote quorum protocol is not aborted
	// midway.
	ErrTimeout = errors.New("timeout")
)

// Signer maps event hashes and peer pubkeys to signatures and encrypted or
// decrypted payloads. Implementations never expose key material.
type Signer interface {
	GetPublicKey(ctx context.Context) (string, error)
	// SignEvent takes an event-template JSON and returns the signed event
	// as JSON.
	SignEvent(ctx context.Context, template string) (string, error)
	Nip44Encrypt(ctx context.Context, peerPub, plaintext string) (string, error)
	Nip44Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error)
	Nip04Encrypt(ctx context.Context, peerPub, plaintext string) (string, error)
	Nip04Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error)
}

// Adapter guards a Signer with per-operation deadlines and an
// authorization gate. The signer is bound after a successful login unseals
// the credential and unbound on logout or token expiry.
type Adapter struct {
	timeout time.Duration

	mu     sync.RWMutex
	signer Signer
}

// NewAdapter creates an adapter with the given per-operation deadline.
func NewAdapter(timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{timeout: timeout}
}

// Bind attaches an unlocked signer.
func (a *Adapter) Bind(s Signer) {
	a.mu.Lock()
	a.signer = s
	a.mu.Unlock()
}

// Unbind detaches the signer; subsequent calls fail with ErrUnauthorized.
func (a *Adapter) Unbind() {
	a.mu.Lock()
	a.signer = nil
	a.mu.Unlock()
}

// Ready reports whether a signer is bound.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.signer != nil
}

func (a *Adapter) get() (Signer, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.signer == nil {
		return nil, ErrUnauthorized
	}
	return a.signer, nil
}

// call runs op with the adapter deadline. On expiry the caller gets
// ErrTimeout while op continues to completion in its own goroutine.
func (a *Adapter) call(ctx context.Context, name string, op func(ctx context.Context, s Signer) (string, error)) (string, error) {
	s, err := a.get()
	if err != nil {
		metrics.IdentityErrors.WithLabelValues(name).Inc()
		return "", err
	}

	type result struct {
		val string
		err error
	}
	ch := make(chan result, 1)
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		val, err := op(opCtx, s)
		ch <- result{val, err}
		cancel()
	}()

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			metrics.IdentityErrors.WithLabelValues(name).Inc()
		}
		return res.val, res.err
	case <-ctx.Done():
		metrics.IdentityErrors.WithLabelValues(name).Inc()
		return "", ctx.Err()
	case <-timer.C:
		metrics.IdentityErrors.WithLabelValues(name).Inc()
		return "", ErrTimeout
	}
}

// GetPublicKey returns the signing identity pubkey — never the transport key.
func (a *Adapter) GetPublicKey(ctx context.Context) (string, error) {
	return a.call(ctx, "get_public_key", func(ctx context.Context, s Signer) (string, error) {
		return s.GetPublicKey(ctx)
	})
}

// SignEvent signs an event template and returns the signed event JSON.
func (a *Adapter) SignEvent(ctx context.Context, template string) (string, error) {
	return a.call(ctx, "sign_event", func(ctx context.Context, s Signer) (string, error) {
		return s.SignEvent(ctx, template)
	})
}

// Nip44Encrypt encrypts plaintext for a peer with the signing identity.
func (a *Adapter) Nip44Encrypt(ctx context.Context, peerPub, plaintext string) (string, error) {
	return a.call(ctx, "nip44_encrypt", func(ctx context.Context, s Signer) (string, error) {
		return s.Nip44Encrypt(ctx, peerPub, plaintext)
	})
}

// Nip44Decrypt decrypts a ciphertext from a peer with the signing identity.
func (a *Adapter) Nip44Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error) {
	return a.call(ctx, "nip44_decrypt", func(ctx context.Context, s Signer) (string, error) {
		return s.Nip44Decrypt(ctx, peerPub, ciphertext)
	})
}

// Nip04Encrypt is a pass-through; backends may answer ErrNotSupported.
func (a *Adapter) Nip04Encrypt(ctx context.Context, peerPub, plaintext string) (string, error) {
	return a.call(ctx, "nip04_encrypt", func(ctx context.Context, s Signer) (string, error) {
		return s.Nip04Encrypt(ctx, peerPub, plaintext)
	})
}

// Nip04Decrypt is a pass-through; backends may answer ErrNotSupported.
func (a *Adapter) Nip04Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error) {
	return a.call(ctx, "nip04_decrypt", func(ctx context.Context, s Signer) (string, error) {
		return s.Nip04Decrypt(ctx, peerPub, ciphertext)
	})
}
