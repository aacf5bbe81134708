package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/roguetalk/internal/app/audio"
	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const maxEarlyDescriptions = 16

var ErrNotAConnection = errors.New("handle was not opened by this transport")

// Signaler carries a description to the other player of a session.
type Signaler interface {
	SendDescription(ctx context.Context, sid domain.SessionID, payload []byte) error
}

// PeerTransport is the client side core.Transport for direct sessions. The
// lower player id of the pair offers; the other side answers.
type PeerTransport struct {
	self     domain.PlayerID
	api      *webrtc.API
	cfg      Config
	signaler Signaler

	mu    sync.Mutex
	conns map[domain.SessionID]*Connection
	early map[domain.SessionID][][]byte
}

var _ core.Transport = (*PeerTransport)(nil)

func NewPeerTransport(self domain.PlayerID, cfg Config, signaler Signaler) (*PeerTransport, error) {
	api, err := NewAPI(cfg)
	if err != nil {
		return nil, err
	}
	return &PeerTransport{
		self:     self,
		api:      api,
		cfg:      cfg,
		signaler: signaler,
		conns:    make(map[domain.SessionID]*Connection),
		early:    make(map[domain.SessionID][][]byte),
	}, nil
}

func asConnection(h core.Handle) (*Connection, error) {
	c, ok := h.(*Connection)
	if !ok || c == nil {
		return nil, ErrNotAConnection
	}
	return c, nil
}

// Open blocks until the data channel for the session is open.
func (t *PeerTransport) Open(ctx context.Context, pair domain.Pair, creds domain.Credentials) (core.Handle, error) {
	if !pair.Has(t.self) {
		return nil, fmt.Errorf("%w: %s is not part of %s", domain.ErrTransport, t.self, pair)
	}
	pc, err := t.api.NewPeerConnection(t.cfg.configuration())
	if err != nil {
		return nil, fmt.Errorf("%w: new peer connection: %v", domain.ErrTransport, err)
	}
	c := &Connection{
		pc:        pc,
		pair:      pair,
		sid:       creds.SessionID,
		initiator: pair.A == t.self,
		opened:    make(chan struct{}),
		logger: log.With().
			Str("module", "webrtc").
			Str("sid", string(creds.SessionID)).
			Str("peer", string(pair.Other(t.self))).
			Logger(),
	}
	c.start()

	t.mu.Lock()
	if old, ok := t.conns[c.sid]; ok {
		old.Close()
	}
	t.conns[c.sid] = c
	early := t.early[c.sid]
	delete(t.early, c.sid)
	t.mu.Unlock()

	if c.initiator {
		err = t.offer(ctx, c)
	} else {
		for _, d := range early {
			if err = t.apply(ctx, c, d); err != nil {
				break
			}
		}
	}
	if err == nil {
		openCtx, cancel := context.WithTimeout(ctx, t.cfg.FailedTimeout)
		err = c.waitOpen(openCtx)
		cancel()
	}
	if err != nil {
		t.drop(c)
		c.Close()
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrTransport, c.sid, err)
	}
	return c, nil
}

func (t *PeerTransport) offer(ctx context.Context, c *Connection) error {
	ordered := false
	maxRetransmits := uint16(0)
	dc, err := c.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	c.attach(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return t.publish(ctx, c, gatherComplete)
}

func (t *PeerTransport) publish(ctx context.Context, c *Connection, gather <-chan struct{}) error {
	gctx, cancel := context.WithTimeout(ctx, t.cfg.GatherTimeout)
	defer cancel()
	payload, err := c.localDescription(gctx, gather)
	if err != nil {
		return fmt.Errorf("ICE gathering: %w", err)
	}
	return t.signaler.SendDescription(ctx, c.sid, payload)
}

// HandleDescription applies an SDP the other player sent for sid. An offer
// that arrives before Open is kept until Open runs. Answering gathers
// candidates, so callers on a message loop should run this in its own
// goroutine.
func (t *PeerTransport) HandleDescription(ctx context.Context, sid domain.SessionID, payload []byte) error {
	t.mu.Lock()
	c, ok := t.conns[sid]
	if !ok {
		if _, queued := t.early[sid]; !queued && len(t.early) >= maxEarlyDescriptions {
			t.mu.Unlock()
			return fmt.Errorf("%w: too many descriptions for unopened sessions", domain.ErrTransport)
		}
		t.early[sid] = append(t.early[sid], payload)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.apply(ctx, c, payload)
}

func (t *PeerTransport) apply(ctx context.Context, c *Connection, payload []byte) error {
	desc, err := decodeDescription(payload)
	if err != nil {
		return err
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if c.initiator {
			return fmt.Errorf("%w: unexpected offer on the offering side", domain.ErrTransport)
		}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("setting remote description: %w", err)
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("creating SDP answer: %w", err)
		}
		gatherComplete := webrtc.GatheringCompletePromise(c.pc)
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("setting local description: %w", err)
		}
		return t.publish(ctx, c, gatherComplete)
	case webrtc.SDPTypeAnswer:
		if !c.initiator {
			return fmt.Errorf("%w: unexpected answer on the answering side", domain.ErrTransport)
		}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("setting remote description: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported description %s", domain.ErrTransport, desc.Type)
}

func (t *PeerTransport) drop(c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.early, c.sid)
	if t.conns[c.sid] != c {
		return false
	}
	delete(t.conns, c.sid)
	return true
}

func (t *PeerTransport) Close(h core.Handle) error {
	c, err := asConnection(h)
	if err != nil {
		return err
	}
	t.drop(c)
	c.Close()
	return nil
}

func (t *PeerTransport) Send(h core.Handle, payload []byte) error {
	c, err := asConnection(h)
	if err != nil {
		return err
	}
	return c.send(payload, audio.FrameSize)
}

// OnPacket receives payloads along with their RTP timestamp.
func (t *PeerTransport) OnPacket(h core.Handle, fn func(ts uint32, payload []byte)) {
	c, err := asConnection(h)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPacket = fn
}

func (t *PeerTransport) OnReceive(h core.Handle, fn func(payload []byte)) {
	t.OnPacket(h, func(_ uint32, payload []byte) { fn(payload) })
}

func (t *PeerTransport) OnError(h core.Handle, fn func(error)) {
	if c, err := asConnection(h); err == nil {
		c.setOnError(fn)
	}
}

func encodeDescription(desc *webrtc.SessionDescription) ([]byte, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: no local description", domain.ErrTransport)
	}
	return json.Marshal(desc)
}

func decodeDescription(payload []byte) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, fmt.Errorf("%w: bad description: %v", domain.ErrCodec, err)
	}
	return desc, nil
}
