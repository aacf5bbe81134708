// Package sfu relays voice packets between the two players of a session
// when they cannot, or choose not to, reach each other directly.
//
// Packets are RTP with a sealed voice frame as payload. The relay never
// sees the session key; it routes purely on SSRC, which both sides derive
// from the relay token and the sending player.
package sfu

import (
	"encoding/binary"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/zeebo/blake3"
)

// PayloadType is the dynamic RTP payload type used for voice frames.
const PayloadType uint8 = 96

// ServerSender marks packets the relay itself originates.
const ServerSender domain.PlayerID = "*relay"

// SSRC derives the stream id for packets sent by sender on the route named
// by token.
func SSRC(token string, sender domain.PlayerID) uint32 {
	sum := blake3.Sum256([]byte(token + "|" + string(sender)))
	return binary.BigEndian.Uint32(sum[:4])
}
