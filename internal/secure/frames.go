package secure

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/dkeye/roguetalk/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
)

const counterSize = 8

func directionLabel(from, to domain.PlayerID) string {
	return "media|" + string(from) + ">" + string(to)
}

// FrameSealer encrypts the frames one peer sends to the other. Each frame
// carries its counter in clear so the receiver can rebuild the nonce.
type FrameSealer struct {
	aead    cipher.AEAD
	counter atomic.Uint64
}

func NewFrameSealer(k SessionKey, from, to domain.PlayerID) (*FrameSealer, error) {
	aead, err := chacha20poly1305.New(k.subkey(directionLabel(from, to)))
	if err != nil {
		return nil, err
	}
	return &FrameSealer{aead: aead}, nil
}

func (s *FrameSealer) Seal(plain []byte) []byte {
	n := s.counter.Add(1)
	out := make([]byte, counterSize, counterSize+len(plain)+s.aead.Overhead())
	binary.BigEndian.PutUint64(out, n)
	return s.aead.Seal(out, nonceFor(n), plain, nil)
}

type FrameOpener struct {
	aead cipher.AEAD
}

func NewFrameOpener(k SessionKey, from, to domain.PlayerID) (*FrameOpener, error) {
	aead, err := chacha20poly1305.New(k.subkey(directionLabel(from, to)))
	if err != nil {
		return nil, err
	}
	return &FrameOpener{aead: aead}, nil
}

func (o *FrameOpener) Open(frame []byte) ([]byte, error) {
	if len(frame) < counterSize+o.aead.Overhead() {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", domain.ErrCodec, len(frame))
	}
	n := binary.BigEndian.Uint64(frame[:counterSize])
	plain, err := o.aead.Open(nil, nonceFor(n), frame[counterSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCodec, err)
	}
	return plain, nil
}

func nonceFor(n uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-counterSize:], n)
	return nonce
}

// FrameCipher pairs the sealer for self>peer with the opener for peer>self.
type FrameCipher struct {
	*FrameSealer
	*FrameOpener
}

func NewFrameCipher(k SessionKey, self, peer domain.PlayerID) (*FrameCipher, error) {
	s, err := NewFrameSealer(k, self, peer)
	if err != nil {
		return nil, err
	}
	o, err := NewFrameOpener(k, peer, self)
	if err != nil {
		return nil, err
	}
	return &FrameCipher{FrameSealer: s, FrameOpener: o}, nil
}
