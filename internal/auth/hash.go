package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// API keys are stored as argon2id digests, salt and digest base64-encoded and
// joined with '$'. Parameters follow the RFC 9106 low-memory recommendation.
const (
	keySaltLen   = 16
	keyDigestLen = 32
	keyPasses    = 1
	keyMemoryKiB = 64 * 1024
	keyLanes     = 4
)

// HashAPIKey derives the storable digest for a raw API key.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, keySaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	sum := keyDigest(apiKey, salt)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(sum), nil
}

// VerifyAPIKey checks a raw API key against a stored digest in constant time.
func VerifyAPIKey(apiKey, stored string) (bool, error) {
	saltPart, sumPart, ok := strings.Cut(stored, "$")
	if !ok {
		return false, fmt.Errorf("auth: malformed key digest")
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(sumPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode digest: %w", err)
	}
	got := keyDigest(apiKey, salt)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify burns the same argon2 work as a real check. Call it on failure
// paths where no stored digest was compared, so response timing does not
// reveal whether the subject exists.
func DummyVerify() {
	keyDigest("tejun-dummy-key", make([]byte, keySaltLen))
}

func keyDigest(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, keyPasses, keyMemoryKiB, keyLanes, keyDigestLen)
}
