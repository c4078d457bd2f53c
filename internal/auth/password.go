package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 round count used when none is configured.
	DefaultIterations = 600000
	// DefaultSaltLength is the number of salt characters in a new hash.
	DefaultSaltLength = 24
	// DefaultAlgorithm is the HMAC digest used for new hashes.
	DefaultAlgorithm = "sha1"

	saltChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var digests = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// Hasher produces salted PBKDF2 password hashes encoded as
// "pbkdf2:<digest>:<iterations>$<salt>$<hex key>".
type Hasher struct {
	Algorithm  string
	Iterations int
	SaltLength int
}

// NewHasher returns a SHA-1 Hasher. Non-positive arguments fall back to the defaults.
func NewHasher(iterations, saltLength int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if saltLength <= 0 {
		saltLength = DefaultSaltLength
	}
	return &Hasher{
		Algorithm:  DefaultAlgorithm,
		Iterations: iterations,
		SaltLength: saltLength,
	}
}

// Hash returns the encoded hash of password with a fresh random salt.
func (h *Hasher) Hash(password string) (string, error) {
	newDigest, ok := digests[h.Algorithm]
	if !ok {
		return "", fmt.Errorf("unsupported digest %q", h.Algorithm)
	}

	salt, err := generateSalt(h.SaltLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), []byte(salt), h.Iterations, newDigest().Size(), newDigest)
	return fmt.Sprintf("pbkdf2:%s:%d$%s$%s", h.Algorithm, h.Iterations, salt, hex.EncodeToString(key)), nil
}

// CheckPassword reports whether password matches the encoded hash.
// Malformed hashes never match.
func CheckPassword(password, encoded string) bool {
	parts := strings.SplitN(encoded, "$", 3)
	if len(parts) != 3 {
		return false
	}
	method, salt, want := parts[0], parts[1], parts[2]

	fields := strings.Split(method, ":")
	if len(fields) < 2 || len(fields) > 3 || fields[0] != "pbkdf2" {
		return false
	}
	newDigest, ok := digests[fields[1]]
	if !ok {
		return false
	}

	iterations := DefaultIterations
	if len(fields) == 3 {
		n, err := strconv.Atoi(fields[2])
		if err != nil || n <= 0 {
			return false
		}
		iterations = n
	}

	wantKey, err := hex.DecodeString(want)
	if err != nil || len(wantKey) == 0 {
		return false
	}

	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, len(wantKey), newDigest)
	return subtle.ConstantTimeCompare(key, wantKey) == 1
}

func generateSalt(n int) (string, error) {
	// Rejection sampling keeps the alphabet uniform.
	limit := byte(256 - 256%len(saltChars))
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, saltChars[int(b)%len(saltChars)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
