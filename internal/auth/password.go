package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters (memory-hard; per OWASP-class settings).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 2
	masterLen    = 32
	saltLen      = 16
)

// HKDF info labels separating the stored verifier from the ephemeral
// credential-unwrap key. Both are expanded from the same argon2 output, so
// one password computation serves login verification and share unwrapping
// without ever storing anything the unwrap key can be recovered from.
const (
	infoVerify = "igloo/auth/verify"
	infoUnwrap = "igloo/auth/unwrap"
)

// ErrWeakPassword is returned when a password fails the policy.
var ErrWeakPassword = errors.New("password must be at least 8 characters and include upper, lower, digit, and symbol")

// HashPassword derives a fresh salt and verifier for storage.
func HashPassword(password string) (saltHex, verifierHex string, err error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	master := deriveMaster(password, salt)
	verifier := expand(master, infoVerify)
	return hex.EncodeToString(salt), hex.EncodeToString(verifier), nil
}

// VerifyPassword checks a password against a stored salt+verifier. On
// success it also returns the derived unwrap key, which the caller owns and
// must zero when the session ends.
func VerifyPassword(password, saltHex, verifierHex string) (unwrapKey []byte, ok bool) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, false
	}
	stored, err := hex.DecodeString(verifierHex)
	if err != nil {
		return nil, false
	}
	master := deriveMaster(password, salt)
	verifier := expand(master, infoVerify)
	if subtle.ConstantTimeCompare(verifier, stored) != 1 {
		return nil, false
	}
	return expand(master, infoUnwrap), true
}

func deriveMaster(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, masterLen)
}

func expand(master []byte, info string) []byte {
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, masterLen)
	if _, err := io.ReadFull(r, out); err != nil {
		// Cannot fail: hkdf.Reader is an infinite stream of key material.
		panic("auth: hkdf read failed: " + err.Error())
	}
	return out
}

// ValidatePassword enforces the onboarding password policy: at least 8
// characters with upper, lower, digit, and symbol.
func ValidatePassword(pw string) error {
	if len(pw) < 8 {
		return ErrWeakPassword
	}
	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return ErrWeakPassword
	}
	return nil
}

// Zero overwrites key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
