package identity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/frostr-org/igloo-server/internal/codec"
)

// LocalSigner implements Signer with a plain in-process secp256k1 key. It
// stands in wherever a threshold backend is not configured; the broker only
// ever talks to the Signer interface.
type LocalSigner struct {
	seckey string
	pubkey string

	mu     sync.Mutex
	conv44 map[string][32]byte
	conv04 map[string][]byte
}

// NewLocalSigner creates a signer from a hex secret key.
func NewLocalSigner(seckeyHex string) (*LocalSigner, error) {
	pub, err := nostr.GetPublicKey(seckeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signing secret: %w", err)
	}
	return &LocalSigner{
		seckey: seckeyHex,
		pubkey: pub,
		conv44: make(map[string][32]byte),
		conv04: make(map[string][]byte),
	}, nil
}

// GetPublicKey returns the signing identity pubkey.
func (l *LocalSigner) GetPublicKey(ctx context.Context) (string, error) {
	return l.pubkey, nil
}

// SignEvent parses the template tolerantly, stamps the signer pubkey, and
// returns the signed event as JSON.
func (l *LocalSigner) SignEvent(ctx context.Context, template string) (string, error) {
	ev, err := codec.ParseEventTemplate(template)
	if err != nil {
		return "", err
	}
	ev.PubKey = l.pubkey
	if err := ev.Sign(l.seckey); err != nil {
		return "", fmt.Errorf("sign event: %w", err)
	}
	out, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (l *LocalSigner) key44(peerPub string) ([32]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if k, ok := l.conv44[peerPub]; ok {
		return k, nil
	}
	kb, err := nip44.GenerateConversationKey(peerPub, l.seckey)
	if err != nil {
		return [32]byte{}, err
	}
	var k [32]byte
	copy(k[:], kb)
	l.conv44[peerPub] = k
	return k, nil
}

func (l *LocalSigner) key04(peerPub string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if k, ok := l.conv04[peerPub]; ok {
		return k, nil
	}
	k, err := nip04.ComputeSharedSecret(peerPub, l.seckey)
	if err != nil {
		return nil, err
	}
	l.conv04[peerPub] = k
	return k, nil
}

// Nip44Encrypt encrypts plaintext for peerPub.
func (l *LocalSigner) Nip44Encrypt(ctx context.Context, peerPub, plaintext string) (string, error) {
	key, err := l.key44(peerPub)
	if err != nil {
		return "", err
	}
	// nip44 v0.35.0's Encrypt shadows the nonce it generates and then fails
	// on the nil outer variable, so the nonce must be supplied explicitly.
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return nip44.Encrypt(plaintext, key[:], nip44.WithCustomNonce(nonce))
}

// Nip44Decrypt decrypts a ciphertext from peerPub.
func (l *LocalSigner) Nip44Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error) {
	key, err := l.key44(peerPub)
	if err != nil {
		return "", err
	}
	return nip44.Decrypt(ciphertext, key[:])
}

// Nip04Encrypt encrypts plaintext for peerPub with the legacy scheme.
func (l *LocalSigner) Nip04Encrypt(ctx context.Context, peerPub, plaintext string) (string, error) {
	key, err := l.key04(peerPub)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, key)
}

// Nip04Decrypt decrypts a legacy ciphertext from peerPub.
func (l *LocalSigner) Nip04Decrypt(ctx context.Context, peerPub, ciphertext string) (string, error) {
	key, err := l.key04(peerPub)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(ciphertext, key)
}
