package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters. Tuned for interactive login: one pass over
// 64 MB keeps a verify under ~100ms on modest hardware while still
// pricing out offline cracking of a leaked staff table.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// deriveKey runs Argon2id with the package cost parameters.
func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// HashPassword hashes a staff password with Argon2id and a fresh random
// salt. The stored form is "<base64 salt>$<base64 key>".
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	key := deriveKey(password, salt)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(key), nil
}

// VerifyPassword checks a password against a stored hash in constant
// time with respect to the derived key.
func VerifyPassword(password, encoded string) (bool, error) {
	saltPart, keyPart, found := strings.Cut(encoded, "$")
	if !found {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	got := deriveKey(password, salt)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify burns the same Argon2id work as a real verification.
// Login calls it when the email matches no staff row, so response
// timing does not reveal which emails exist.
func DummyVerify() {
	deriveKey("dummy", make([]byte, saltLen))
}
