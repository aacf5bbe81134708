// Package secure holds the key material used by voice sessions: long-term
// Ed25519 identities, per-session X25519 agreement and frame sealing.
package secure

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

const NonceSize = 32

func GenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func NewNonce() ([]byte, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return b, nil
}

// SignChallenge signs nonce || name, the login proof a client sends when it
// connects.
func SignChallenge(priv ed25519.PrivateKey, nonce []byte, name string) []byte {
	return ed25519.Sign(priv, challengeMessage(nonce, name))
}

func VerifyChallenge(pub ed25519.PublicKey, nonce []byte, name string, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, challengeMessage(nonce, name), sig)
}

func challengeMessage(nonce []byte, name string) []byte {
	msg := make([]byte, 0, len(nonce)+len(name))
	msg = append(msg, nonce...)
	return append(msg, name...)
}
