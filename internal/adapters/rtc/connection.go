package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/roguetalk/internal/app/sfu"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const channelLabel = "voice"

// Connection is one peer connection carrying one session. It implements
// core.Handle.
type Connection struct {
	pc        *webrtc.PeerConnection
	pair      domain.Pair
	sid       domain.SessionID
	initiator bool
	logger    zerolog.Logger

	opened    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	seq      uint16
	ts       uint32
	closed   bool
	onPacket func(ts uint32, payload []byte)
	onError  func(error)
	failure  error
	reported bool
}

func (c *Connection) Pair() domain.Pair           { return c.pair }
func (c *Connection) SessionID() domain.SessionID { return c.sid }

func (c *Connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.fail(fmt.Errorf("%w: peer connection %s", domain.ErrTransport, s))
		}
	})

	if !c.initiator {
		c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != channelLabel {
				return
			}
			c.attach(dc)
		})
	}
}

// attach wires dc; the connection counts as open once it is.
func (c *Connection) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Info().Msg("data channel open")
		c.openOnce.Do(func() { close(c.opened) })
	})
	dc.OnClose(func() {
		c.fail(fmt.Errorf("%w: data channel closed", domain.ErrTransport))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var pkt rtp.Packet
		if err := pkt.Unmarshal(msg.Data); err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed packet")
			return
		}
		c.mu.Lock()
		fn := c.onPacket
		c.mu.Unlock()
		if fn != nil {
			fn(pkt.Timestamp, pkt.Payload)
		}
	})
}

func (c *Connection) send(payload []byte, step uint32) error {
	c.mu.Lock()
	if c.closed || c.dc == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection %s not open", domain.ErrTransport, c.sid)
	}
	c.seq++
	c.ts += step
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    sfu.PayloadType,
			SequenceNumber: c.seq,
			Timestamp:      c.ts,
		},
		Payload: payload,
	}
	dc := c.dc
	c.mu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCodec, err)
	}
	if err := dc.Send(raw); err != nil {
		err = fmt.Errorf("%w: data channel send: %v", domain.ErrTransport, err)
		c.fail(err)
		return err
	}
	return nil
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.failure != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.failure = err
	fn := c.onError
	if fn != nil {
		c.reported = true
	}
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("media path lost")
	if fn != nil {
		fn(err)
	}
}

func (c *Connection) setOnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	err := c.failure
	late := err != nil && !c.reported && fn != nil
	if late {
		c.reported = true
	}
	c.mu.Unlock()
	if late {
		fn(err)
	}
}

// waitOpen blocks until the data channel opens, the connection fails or
// ctx ends.
func (c *Connection) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) localDescription(ctx context.Context, gather <-chan struct{}) ([]byte, error) {
	select {
	case <-gather:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return encodeDescription(c.pc.LocalDescription())
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		if err := c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
}
