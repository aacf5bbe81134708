package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPosition       = errors.New("invalid position")
	ErrStalePosition         = errors.New("stale position tick")
	ErrNegotiationTimeout    = errors.New("negotiation timeout")
	ErrNegotiationRejected   = errors.New("negotiation rejected")
	ErrTransport             = errors.New("transport error")
	ErrStaleSignalingMessage = errors.New("stale signaling message")
	ErrCodec                 = errors.New("codec error")
	ErrSessionAborted        = errors.New("session aborted")

	ErrFingerprintMismatch = fmt.Errorf("%w: fingerprint mismatch", ErrNegotiationRejected)
	ErrBadSignature        = fmt.Errorf("%w: bad signature", ErrNegotiationRejected)
	ErrUnknownIdentity     = fmt.Errorf("%w: unknown identity", ErrNegotiationRejected)
)
