package identity

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// SealCredential encrypts a credential secret (hex share or key) under the
// 32-byte unwrap key derived from the user's login. The nonce is prepended
// to the returned blob.
func SealCredential(unwrapKey []byte, secret string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(unwrapKey)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, []byte(secret), nil), nil
}

// OpenCredential decrypts a blob produced by SealCredential.
func OpenCredential(unwrapKey []byte, blob []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(unwrapKey)
	if err != nil {
		return "", fmt.Errorf("open credential: %w", err)
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return "", errors.New("credential blob too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("credential blob does not open with this key")
	}
	return string(plain), nil
}
