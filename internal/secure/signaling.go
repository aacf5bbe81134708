package secure

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/dkeye/roguetalk/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const signalingInfo = "roguetalk/signaling/v1|"

// SignalingKey seals handshake bodies between two players. It comes from a
// static X25519 agreement over their Ed25519 identities, so the server that
// relays the handshake cannot open it.
type SignalingKey struct {
	aead cipher.AEAD
}

// NewSignalingKey derives the key self shares with the owner of peer for sid.
func NewSignalingKey(self ed25519.PrivateKey, peer ed25519.PublicKey, sid domain.SessionID, pair domain.Pair) (*SignalingKey, error) {
	if len(self) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: bad identity key", domain.ErrNegotiationRejected)
	}
	pub, err := montgomery(peer)
	if err != nil {
		return nil, err
	}
	h := sha512.Sum512(self.Seed())
	shared, err := curve25519.X25519(h[:32], pub)
	if err != nil {
		return nil, fmt.Errorf("%w: identity agreement: %v", domain.ErrNegotiationRejected, err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, shared, []byte(sid), []byte(signalingInfo+pair.Key()))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive signaling key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &SignalingKey{aead: aead}, nil
}

// montgomery maps an Ed25519 public key to its X25519 form.
func montgomery(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad peer key", domain.ErrNegotiationRejected)
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad peer key: %v", domain.ErrNegotiationRejected, err)
	}
	return p.BytesMontgomery(), nil
}

// Every kind is sent at most once per session id, so the kind picks the
// nonce.
func signalingNonce(kind domain.MessageKind) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, kind)
	return nonce
}

func (k *SignalingKey) Seal(kind domain.MessageKind, plain []byte) []byte {
	return k.aead.Seal(nil, signalingNonce(kind), plain, []byte(kind))
}

func (k *SignalingKey) Open(kind domain.MessageKind, box []byte) ([]byte, error) {
	plain, err := k.aead.Open(nil, signalingNonce(kind), box, []byte(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: sealed %s: %v", domain.ErrNegotiationRejected, kind, err)
	}
	return plain, nil
}
