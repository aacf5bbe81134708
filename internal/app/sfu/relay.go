package sfu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

const routeQueue = 64

type inbound struct {
	pkt *rtp.Packet
	raw []byte
}

// Route relays one session. It implements core.Handle.
type Route struct {
	pair  domain.Pair
	sid   domain.SessionID
	token string

	// keyed by sender SSRC, fixed after creation
	tracks map[uint32]*OutTrack

	in     chan inbound
	cancel context.CancelFunc

	mu        sync.RWMutex
	onReceive func(payload []byte)
	onError   func(error)
	failure   error
	reported  bool

	seq     atomic.Uint32
	dropped atomic.Uint64
}

func newRoute(pair domain.Pair, sid domain.SessionID, token string, egress Egress, cancel context.CancelFunc) *Route {
	r := &Route{
		pair:   pair,
		sid:    sid,
		token:  token,
		tracks: make(map[uint32]*OutTrack, 2),
		in:     make(chan inbound, routeQueue),
		cancel: cancel,
	}
	r.tracks[SSRC(token, pair.A)] = NewOutTrack(pair.A, pair.B, egress)
	r.tracks[SSRC(token, pair.B)] = NewOutTrack(pair.B, pair.A, egress)
	return r
}

func (r *Route) Pair() domain.Pair           { return r.pair }
func (r *Route) SessionID() domain.SessionID { return r.sid }

// Dropped counts packets discarded because the route queue was full.
func (r *Route) Dropped() uint64 { return r.dropped.Load() }

// loop forwards queued packets until the route is stopped.
func (r *Route) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("route ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		case in := <-r.in:
			r.forward(in, logger)
		}
	}
}

func (r *Route) forward(in inbound, logger *zerolog.Logger) {
	ot, ok := r.tracks[in.pkt.SSRC]
	if !ok {
		return
	}
	switch ot.GetState() {
	case TrackStateDelete, TrackStateMuted:
		return
	case TrackStateOk:
		if err := ot.Write(in.raw); err != nil {
			logger.Error().
				Err(err).
				Str("to", string(ot.To)).
				Msg("relay write error, marking out track as delete")
			ot.MarkDelete()
			r.fail(fmt.Errorf("%w: relay to %s: %v", domain.ErrTransport, ot.To, err))
			return
		}
	}

	r.mu.RLock()
	fn := r.onReceive
	r.mu.RUnlock()
	if fn != nil {
		fn(in.pkt.Payload)
	}
}

func (r *Route) enqueue(in inbound) bool {
	select {
	case r.in <- in:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Route) fail(err error) {
	r.mu.Lock()
	if r.failure != nil {
		r.mu.Unlock()
		return
	}
	r.failure = err
	fn := r.onError
	if fn != nil {
		r.reported = true
	}
	r.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (r *Route) setOnError(fn func(error)) {
	r.mu.Lock()
	r.onError = fn
	err := r.failure
	late := err != nil && !r.reported && fn != nil
	if late {
		r.reported = true
	}
	r.mu.Unlock()
	if late {
		fn(err)
	}
}

func (r *Route) setOnReceive(fn func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReceive = fn
}

func (r *Route) markAllDelete() {
	for _, ot := range r.tracks {
		ot.MarkDelete()
	}
}

func (r *Route) setMuted(player domain.PlayerID, muted bool) {
	for _, ot := range r.tracks {
		if ot.From != player {
			continue
		}
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
}

func (r *Route) stop() {
	r.markAllDelete()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Route) nextSeq() uint16 {
	return uint16(r.seq.Add(1))
}
