package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "roguetalk/voice/v1|"

// Ephemeral is a one-shot X25519 key pair. A new one is made for every
// session id so that session keys are never reused.
type Ephemeral struct {
	priv   [32]byte
	Public []byte
}

func NewEphemeral() (*Ephemeral, error) {
	e := &Ephemeral{}
	if _, err := rand.Read(e.priv[:]); err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(e.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	e.Public = pub
	return e, nil
}

// Agree computes the session key shared with the owner of peerPublic.
func (e *Ephemeral) Agree(peerPublic []byte, sid domain.SessionID, pair domain.Pair) (SessionKey, error) {
	shared, err := curve25519.X25519(e.priv[:], peerPublic)
	if err != nil {
		return SessionKey{}, fmt.Errorf("%w: key agreement: %v", domain.ErrNegotiationRejected, err)
	}
	return DeriveSessionKey(shared, sid, pair)
}

type SessionKey [32]byte

// DeriveSessionKey runs HKDF-SHA256 over the DH output, salted with the
// session id and bound to the pair.
func DeriveSessionKey(shared []byte, sid domain.SessionID, pair domain.Pair) (SessionKey, error) {
	var k SessionKey
	r := hkdf.New(sha256.New, shared, []byte(sid), []byte(keyInfo+pair.Key()))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return SessionKey{}, fmt.Errorf("derive session key: %w", err)
	}
	return k, nil
}

// Fingerprint is safe to show to the server; it does not reveal the key.
func (k SessionKey) Fingerprint() [32]byte { return blake3.Sum256(k[:]) }

func (k SessionKey) subkey(label string) []byte {
	out := make([]byte, chacha20poly1305.KeySize)
	// Expand cannot fail for a 32 byte output from SHA-256.
	_, _ = io.ReadFull(hkdf.Expand(sha256.New, k[:], []byte(label)), out)
	return out
}

// SealProof proves possession of k to the other peer.
func SealProof(k SessionKey, sid domain.SessionID) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.subkey("confirm"))
	if err != nil {
		return nil, err
	}
	fp := k.Fingerprint()
	nonce := make([]byte, chacha20poly1305.NonceSize)
	return aead.Seal(nil, nonce, fp[:], []byte(sid)), nil
}

func OpenProof(k SessionKey, sid domain.SessionID, proof []byte) error {
	aead, err := chacha20poly1305.New(k.subkey("confirm"))
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	plain, err := aead.Open(nil, nonce, proof, []byte(sid))
	if err != nil {
		return domain.ErrFingerprintMismatch
	}
	fp := k.Fingerprint()
	if string(plain) != string(fp[:]) {
		return domain.ErrFingerprintMismatch
	}
	return nil
}
