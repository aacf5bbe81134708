package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNoRoute = errors.New("no route to player")

type envelope struct {
	from domain.PlayerID
	msg  domain.SignalingMessage
}

// MemoryLink wires a Channel and any number of Peers together in one
// process. Each endpoint gets an ordered inbox drained by its own
// goroutine, so handlers never run on the sender's stack.
type MemoryLink struct {
	mu     sync.Mutex
	inbox  map[domain.PlayerID]chan domain.SignalingMessage
	uplink chan envelope
	filter func(from, to domain.PlayerID, msg domain.SignalingMessage) bool
}

func NewMemoryLink() *MemoryLink {
	return &MemoryLink{
		inbox:  make(map[domain.PlayerID]chan domain.SignalingMessage),
		uplink: make(chan envelope, 256),
	}
}

// Serve routes peer messages to ch until ctx ends.
func (l *MemoryLink) Serve(ctx context.Context, ch *Channel) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-l.uplink:
				if err := ch.Deliver(ctx, e.from, e.msg); err != nil {
					log.Debug().Str("module", "signaling.memory").Err(err).Msg("deliver")
				}
			}
		}
	}()
}

// Attach registers p and starts its inbox loop.
func (l *MemoryLink) Attach(ctx context.Context, p *Peer) {
	in := make(chan domain.SignalingMessage, 256)
	l.mu.Lock()
	l.inbox[p.ID()] = in
	l.mu.Unlock()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-in:
				if err := p.Handle(ctx, msg); err != nil {
					log.Debug().Str("module", "signaling.memory").Str("peer", string(p.ID())).Err(err).Msg("handle")
				}
			}
		}
	}()
}

// Detach drops the route to id; later sends to it fail.
func (l *MemoryLink) Detach(id domain.PlayerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inbox, id)
}

func (l *MemoryLink) allowed(from, to domain.PlayerID, msg domain.SignalingMessage) bool {
	l.mu.Lock()
	f := l.filter
	l.mu.Unlock()
	return f == nil || f(from, to, msg)
}

// SetFilter installs f to see every message; returning false drops it.
func (l *MemoryLink) SetFilter(f func(from, to domain.PlayerID, msg domain.SignalingMessage) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
}

// Send implements core.ControlLink for the server side.
func (l *MemoryLink) Send(ctx context.Context, to domain.PlayerID, msg domain.SignalingMessage) error {
	l.mu.Lock()
	in, ok := l.inbox[to]
	l.mu.Unlock()
	if !ok {
		return ErrNoRoute
	}
	if !l.allowed(msg.Sender, to, msg) {
		return nil
	}
	select {
	case in <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Uplink returns the Sender a peer uses to reach the server.
func (l *MemoryLink) Uplink(from domain.PlayerID) Sender {
	return uplink{l: l, from: from}
}

type uplink struct {
	l    *MemoryLink
	from domain.PlayerID
}

func (u uplink) Send(ctx context.Context, msg domain.SignalingMessage) error {
	if !u.l.allowed(u.from, "", msg) {
		return nil
	}
	select {
	case u.l.uplink <- envelope{from: u.from, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
