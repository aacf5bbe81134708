package core

import (
	"context"

	"github.com/dkeye/roguetalk/internal/domain"
)

// Handle identifies one open media path. Backends keep their own state
// behind it.
type Handle interface {
	Pair() domain.Pair
	SessionID() domain.SessionID
}

// Transport carries already encrypted voice frames for a session, either
// directly between peers or through a relay.
type Transport interface {
	Open(ctx context.Context, pair domain.Pair, creds domain.Credentials) (Handle, error)
	// Close releases the handle. Closing twice is a no-op.
	Close(h Handle) error
	Send(h Handle, payload []byte) error
	OnReceive(h Handle, fn func(payload []byte))
	// OnError is called at most once per handle when the media path dies.
	OnError(h Handle, fn func(error))
}

// Codec turns PCM frames into transport payloads and back.
type Codec interface {
	Encode(pcm []float32) ([]byte, error)
	Decode(data []byte) ([]float32, error)
}
