package core

import (
	"context"

	"github.com/dkeye/roguetalk/internal/domain"
)

// Frame is a raw payload written to a player's control connection.
type Frame []byte

// SignalConnection abstracts the per-player control transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// ControlLink delivers signaling messages to one player, reliably and in order.
type ControlLink interface {
	Send(ctx context.Context, to domain.PlayerID, msg domain.SignalingMessage) error
}

// Notifier shows a one-line notice to a player.
type Notifier interface {
	Notify(to domain.PlayerID, text string)
}

// MediaConnection is implemented by control connections that also carry
// relayed voice packets as binary frames.
type MediaConnection interface {
	TrySendMedia(packet []byte) error
}
