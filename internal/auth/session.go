package auth

import (
	"crypto/rand"
	"encoding/hex"
)

// SessionTokenBytes is the number of random bytes in a session token.
const SessionTokenBytes = 32

// GenerateSessionToken returns a random hex-encoded session token.
func GenerateSessionToken() (string, error) {
	b := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
