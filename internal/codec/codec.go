// Package codec implements the NIP-46 envelope crypto and the tolerant
// event-template handling used by the broker. Inbound payloads are decrypted
// NIP-44 first with a NIP-04 fallback; outbound payloads are always NIP-44.
package codec

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// hexKeyRe matches a normalized 32-byte x-only pubkey.
var hexKeyRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Scheme identifies which encryption scheme carried an envelope.
type Scheme string

const (
	SchemeNIP44 Scheme = "nip44"
	SchemeNIP04 Scheme = "nip04"
)

// Codec encrypts and decrypts NIP-46 envelope payloads with the broker's
// transport secret. Conversation keys are cached per peer.
type Codec struct {
	secret string

	mu      sync.Mutex
	conv44  map[string][32]byte // peer pubkey → nip44 conversation key
	conv04  map[string][]byte   // peer pubkey → nip04 shared secret
}

// New creates a Codec for the given hex transport secret.
func New(secretHex string) (*Codec, error) {
	if _, err := nostr.GetPublicKey(secretHex); err != nil {
		return nil, fmt.Errorf("invalid transport secret: %w", err)
	}
	return &Codec{
		secret: secretHex,
		conv44: make(map[string][32]byte),
		conv04: make(map[string][]byte),
	}, nil
}

// Decrypt attempts NIP-44 decryption first and falls back to NIP-04. It
// reports which scheme succeeded so callers can log the fallback path.
func (c *Codec) Decrypt(peerPub, content string) (string, Scheme, error) {
	key44, err44 := c.key44(peerPub)
	if err44 == nil {
		if plain, err := nip44.Decrypt(content, key44[:]); err == nil {
			return plain, SchemeNIP44, nil
		}
	}

	key04, err04 := c.key04(peerPub)
	if err04 != nil {
		return "", "", fmt.Errorf("derive keys for %s: nip44: %v, nip04: %v", short(peerPub), err44, err04)
	}
	plain, err := nip04.Decrypt(content, key04)
	if err != nil {
		return "", "", fmt.Errorf("undecryptable payload from %s", short(peerPub))
	}
	return plain, SchemeNIP04, nil
}

// Encrypt NIP-44-encrypts a plaintext for the given peer.
func (c *Codec) Encrypt(peerPub, plaintext string) (string, error) {
	key, err := c.key44(peerPub)
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

func (c *Codec) key44(peerPub string) ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.conv44[peerPub]; ok {
		return k, nil
	}
	kb, err := nip44.GenerateConversationKey(peerPub, c.secret)
	if err != nil {
		return [32]byte{}, err
	}
	var k [32]byte
	copy(k[:], kb)
	c.conv44[peerPub] = k
	return k, nil
}

func (c *Codec) key04(peerPub string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.conv04[peerPub]; ok {
		return k, nil
	}
	k, err := nip04.ComputeSharedSecret(peerPub, c.secret)
	if err != nil {
		return nil, err
	}
	c.conv04[peerPub] = k
	return k, nil
}

// ─── Normalization ────────────────────────────────────────────────────────────

// NormalizePubkey trims, lowercases, and strips the leading byte of a
// 33-byte compressed-point form (02…/03…) as handed back by some signers.
// The result must be 64 lowercase hex chars.
func NormalizePubkey(pk string) (string, error) {
	pk = strings.ToLower(strings.TrimSpace(pk))
	if len(pk) == 66 && (strings.HasPrefix(pk, "02") || strings.HasPrefix(pk, "03")) {
		pk = pk[2:]
	}
	if !hexKeyRe.MatchString(pk) {
		return "", fmt.Errorf("invalid pubkey %q", short(pk))
	}
	return pk, nil
}

// NormalizeTimestamp converts millisecond timestamps (> 1e12) to seconds.
func NormalizeTimestamp(ts int64) int64 {
	if ts > 1_000_000_000_000 {
		return ts / 1000
	}
	return ts
}

// ─── Event templates ──────────────────────────────────────────────────────────

// ParseEventTemplate parses a sign_event parameter into a nostr.Event,
// tolerating the shapes real clients send: millisecond created_at, a missing
// pubkey, numeric kinds arriving as floats. The kind must still be a
// non-negative integer.
func ParseEventTemplate(raw string) (*nostr.Event, error) {
	var tmpl struct {
		PubKey    string          `json:"pubkey"`
		CreatedAt json.Number     `json:"created_at"`
		Kind      json.Number     `json:"kind"`
		Tags      [][]string      `json:"tags"`
		Content   string          `json:"content"`
		ID        json.RawMessage `json:"id"` // ignored; recomputed
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tmpl); err != nil {
		return nil, fmt.Errorf("unparseable event template: %w", err)
	}

	kind, err := tmpl.Kind.Int64()
	if err != nil || kind < 0 {
		return nil, fmt.Errorf("event template kind must be a non-negative integer")
	}

	var createdAt int64
	if tmpl.CreatedAt != "" {
		ts, err := tmpl.CreatedAt.Int64()
		if err != nil {
			// Some clients emit fractional second timestamps.
			f, ferr := tmpl.CreatedAt.Float64()
			if ferr != nil {
				return nil, fmt.Errorf("unparseable event template: bad created_at")
			}
			ts = int64(f)
		}
		createdAt = NormalizeTimestamp(ts)
	} else {
		createdAt = int64(nostr.Now())
	}

	ev := &nostr.Event{
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      int(kind),
		Content:   tmpl.Content,
		Tags:      nostr.Tags{},
	}
	for _, t := range tmpl.Tags {
		ev.Tags = append(ev.Tags, nostr.Tag(t))
	}
	if tmpl.PubKey != "" {
		pk, err := NormalizePubkey(tmpl.PubKey)
		if err != nil {
			return nil, fmt.Errorf("unparseable event template: %w", err)
		}
		ev.PubKey = pk
	}
	return ev, nil
}

// EventID derives the NIP-01 event id: SHA-256 over the canonical 6-element
// serialization. The pubkey is normalized and the timestamp coerced to
// seconds before hashing.
func EventID(pubkey string, createdAt int64, kind int, tags nostr.Tags, content string) (string, error) {
	pk, err := NormalizePubkey(pubkey)
	if err != nil {
		return "", err
	}
	if kind < 0 {
		return "", fmt.Errorf("kind must be a non-negative integer")
	}
	ev := nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(NormalizeTimestamp(createdAt)),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	return ev.GetID(), nil
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8] + "…"
	}
	return s
}
