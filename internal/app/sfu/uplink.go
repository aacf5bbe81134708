package sfu

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/dkeye/roguetalk/internal/app/audio"
	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// Sink writes one packet to the server connection.
type Sink func(packet []byte) error

// leg is the client end of one relayed session. It implements core.Handle.
type leg struct {
	pair     domain.Pair
	sid      domain.SessionID
	sendSSRC uint32
	recvSSRC uint32

	mu       sync.Mutex
	seq      uint16
	ts       uint32
	closed   bool
	onPacket func(ts uint32, payload []byte)
	onError  func(error)
	failure  error
	reported bool
}

func (l *leg) Pair() domain.Pair           { return l.pair }
func (l *leg) SessionID() domain.SessionID { return l.sid }

func (l *leg) fail(err error) {
	l.mu.Lock()
	if l.failure != nil {
		l.mu.Unlock()
		return
	}
	l.failure = err
	fn := l.onError
	if fn != nil {
		l.reported = true
	}
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Uplink is the client side core.Transport for relayed sessions. Outgoing
// frames become RTP packets written to the server connection; packets the
// server forwards are handed to Deliver.
type Uplink struct {
	self domain.PlayerID
	sink Sink

	mu     sync.RWMutex
	legs   map[domain.SessionID]*leg
	bySSRC map[uint32]*leg
}

var _ core.Transport = (*Uplink)(nil)

func NewUplink(self domain.PlayerID, sink Sink) *Uplink {
	return &Uplink{
		self:   self,
		sink:   sink,
		legs:   make(map[domain.SessionID]*leg),
		bySSRC: make(map[uint32]*leg),
	}
}

func asLeg(h core.Handle) (*leg, error) {
	l, ok := h.(*leg)
	if !ok || l == nil {
		return nil, ErrNotARoute
	}
	return l, nil
}

func (u *Uplink) Open(ctx context.Context, pair domain.Pair, creds domain.Credentials) (core.Handle, error) {
	if creds.RelayToken == "" {
		return nil, fmt.Errorf("%w: missing relay token", domain.ErrTransport)
	}
	if !pair.Has(u.self) {
		return nil, fmt.Errorf("%w: %s is not part of %s", domain.ErrTransport, u.self, pair)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &leg{
		pair:     pair,
		sid:      creds.SessionID,
		sendSSRC: SSRC(creds.RelayToken, u.self),
		recvSSRC: SSRC(creds.RelayToken, pair.Other(u.self)),
		seq:      uint16(rand.Uint32()),
		ts:       rand.Uint32(),
	}

	u.mu.Lock()
	if old, ok := u.legs[creds.SessionID]; ok {
		u.unlink(old)
	}
	u.legs[l.sid] = l
	u.bySSRC[l.recvSSRC] = l
	u.mu.Unlock()

	log.Debug().Str("module", "uplink").Str("sid", string(l.sid)).Uint32("ssrc", l.sendSSRC).Msg("relay leg open")
	return l, nil
}

// unlink must be called with u.mu held.
func (u *Uplink) unlink(l *leg) {
	if u.legs[l.sid] == l {
		delete(u.legs, l.sid)
	}
	if u.bySSRC[l.recvSSRC] == l {
		delete(u.bySSRC, l.recvSSRC)
	}
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (u *Uplink) Close(h core.Handle) error {
	l, err := asLeg(h)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.unlink(l)
	u.mu.Unlock()
	return nil
}

// Send wraps one sealed frame in an RTP packet. Consecutive calls advance
// the timestamp by one frame.
func (u *Uplink) Send(h core.Handle, payload []byte) error {
	l, err := asLeg(h)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: leg %s closed", domain.ErrTransport, l.sid)
	}
	l.seq++
	l.ts += audio.FrameSize
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadType,
			SequenceNumber: l.seq,
			Timestamp:      l.ts,
			SSRC:           l.sendSSRC,
		},
		Payload: payload,
	}
	l.mu.Unlock()

	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCodec, err)
	}
	if err := u.sink(raw); err != nil {
		err = fmt.Errorf("%w: uplink: %v", domain.ErrTransport, err)
		l.fail(err)
		return err
	}
	return nil
}

// OnPacket receives payloads along with their RTP timestamp, which is what
// a jitter buffer needs.
func (u *Uplink) OnPacket(h core.Handle, fn func(ts uint32, payload []byte)) {
	l, err := asLeg(h)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPacket = fn
}

func (u *Uplink) OnReceive(h core.Handle, fn func(payload []byte)) {
	u.OnPacket(h, func(_ uint32, payload []byte) { fn(payload) })
}

func (u *Uplink) OnError(h core.Handle, fn func(error)) {
	l, err := asLeg(h)
	if err != nil {
		return
	}
	l.mu.Lock()
	l.onError = fn
	failure := l.failure
	late := failure != nil && !l.reported && fn != nil
	if late {
		l.reported = true
	}
	l.mu.Unlock()
	if late {
		fn(failure)
	}
}

// Deliver hands a packet forwarded by the server to the leg it belongs to.
func (u *Uplink) Deliver(raw []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCodec, err)
	}
	u.mu.RLock()
	l, ok := u.bySSRC[pkt.SSRC]
	u.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRoute, pkt.SSRC)
	}
	l.mu.Lock()
	fn := l.onPacket
	closed := l.closed
	l.mu.Unlock()
	if closed || fn == nil {
		return nil
	}
	fn(pkt.Timestamp, pkt.Payload)
	return nil
}
