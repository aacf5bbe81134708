package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownRoute = errors.New("no route for ssrc")
	ErrForeignSSRC  = errors.New("ssrc belongs to another player")
	ErrNotARoute    = errors.New("handle was not opened by this relay")
)

// Relay is the server side core.Transport. Every established pair gets a
// Route; players push packets in through Ingest and the route writes them
// to the other player.
type Relay struct {
	ctx    context.Context
	egress Egress

	mu     sync.RWMutex
	routes map[domain.SessionID]*Route
	bySSRC map[uint32]*Route
	muted  map[domain.PlayerID]bool

	dropped atomic.Uint64
}

var _ core.Transport = (*Relay)(nil)

// NewRelay returns a relay whose route loops stop when ctx ends.
func NewRelay(ctx context.Context, egress Egress) *Relay {
	return &Relay{
		ctx:    ctx,
		egress: egress,
		routes: make(map[domain.SessionID]*Route),
		bySSRC: make(map[uint32]*Route),
		muted:  make(map[domain.PlayerID]bool),
	}
}

func asRoute(h core.Handle) (*Route, error) {
	r, ok := h.(*Route)
	if !ok || r == nil {
		return nil, ErrNotARoute
	}
	return r, nil
}

// Open creates the route for creds.RelayToken and starts its loop.
func (m *Relay) Open(ctx context.Context, pair domain.Pair, creds domain.Credentials) (core.Handle, error) {
	if creds.RelayToken == "" {
		return nil, fmt.Errorf("%w: missing relay token", domain.ErrTransport)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("module", "relay").
		Str("pair", pair.Key()).
		Str("sid", string(creds.SessionID)).
		Logger()

	routeCtx, cancel := context.WithCancel(m.ctx)
	route := newRoute(pair, creds.SessionID, creds.RelayToken, m.egress, cancel)

	m.mu.Lock()
	for ssrc := range route.tracks {
		if other, taken := m.bySSRC[ssrc]; taken && other.sid != creds.SessionID {
			m.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("%w: ssrc %d already routed", domain.ErrTransport, ssrc)
		}
	}
	if old, ok := m.routes[creds.SessionID]; ok {
		logger.Info().Msg("replacing existing route for sid")
		m.unlink(old)
		old.stop()
	}
	m.routes[creds.SessionID] = route
	for ssrc, ot := range route.tracks {
		m.bySSRC[ssrc] = route
		if m.muted[ot.From] {
			ot.MarkMuted()
		}
	}
	m.mu.Unlock()

	logger.Info().Msg("starting route loop")
	go route.loop(routeCtx, &logger)
	return route, nil
}

// unlink must be called with m.mu held.
func (m *Relay) unlink(r *Route) {
	delete(m.routes, r.sid)
	for ssrc := range r.tracks {
		if m.bySSRC[ssrc] == r {
			delete(m.bySSRC, ssrc)
		}
	}
}

// Close stops the route behind h. Unknown or already closed handles are
// ignored.
func (m *Relay) Close(h core.Handle) error {
	r, err := asRoute(h)
	if err != nil {
		return err
	}
	m.mu.Lock()
	current := m.routes[r.sid] == r
	if current {
		m.unlink(r)
	}
	m.mu.Unlock()
	r.stop()
	if current {
		log.Info().Str("module", "relay").Str("sid", string(r.sid)).Msg("route closed")
	}
	return nil
}

// Send writes a relay originated payload to both players of the route.
func (m *Relay) Send(h core.Handle, payload []byte) error {
	r, err := asRoute(h)
	if err != nil {
		return err
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadType,
			SequenceNumber: r.nextSeq(),
			SSRC:           SSRC(r.token, ServerSender),
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCodec, err)
	}
	var errs []error
	for _, ot := range r.tracks {
		if ot.GetState() == TrackStateDelete {
			return fmt.Errorf("%w: route %s closed", domain.ErrTransport, r.sid)
		}
		if err := ot.Write(raw); err != nil {
			errs = append(errs, fmt.Errorf("%w: relay to %s: %v", domain.ErrTransport, ot.To, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Relay) OnReceive(h core.Handle, fn func(payload []byte)) {
	if r, err := asRoute(h); err == nil {
		r.setOnReceive(fn)
	}
}

func (m *Relay) OnError(h core.Handle, fn func(error)) {
	if r, err := asRoute(h); err == nil {
		r.setOnError(fn)
	}
}

// Ingest accepts a packet a player sent over its control connection.
func (m *Relay) Ingest(from domain.PlayerID, raw []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		m.dropped.Add(1)
		return fmt.Errorf("%w: %v", domain.ErrCodec, err)
	}

	m.mu.RLock()
	r, ok := m.bySSRC[pkt.SSRC]
	m.mu.RUnlock()
	if !ok {
		m.dropped.Add(1)
		return fmt.Errorf("%w: %d", ErrUnknownRoute, pkt.SSRC)
	}
	if ot := r.tracks[pkt.SSRC]; ot.From != from {
		m.dropped.Add(1)
		return fmt.Errorf("%w: %d from %s", ErrForeignSSRC, pkt.SSRC, from)
	}
	if !r.enqueue(inbound{pkt: pkt, raw: raw}) {
		m.dropped.Add(1)
	}
	return nil
}

// SetMuted stops or resumes relaying what player says on every route,
// including routes opened later.
func (m *Relay) SetMuted(player domain.PlayerID, muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if muted {
		m.muted[player] = true
	} else {
		delete(m.muted, player)
	}
	for _, r := range m.routes {
		if r.pair.Has(player) {
			r.setMuted(player, muted)
		}
	}
}

// Routes is the number of open routes.
func (m *Relay) Routes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.routes)
}

// Dropped counts packets that were malformed, unroutable or overflowed a
// route queue.
func (m *Relay) Dropped() uint64 { return m.dropped.Load() }
