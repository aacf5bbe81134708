// Package signaling runs the three message handshake (offer, answer,
// confirm) that turns an OPEN command into session credentials.
//
// The server side is Channel: it introduces the two players, relays their
// messages and watches the deadline. The client side is Peer: it owns the
// identity key, the ephemeral keys and the derived session key, none of
// which the server ever sees.
package signaling

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/roguetalk/internal/clock"
	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Directory resolves a player's long-term identity key.
type Directory interface {
	PublicKey(ctx context.Context, id domain.PlayerID) (ed25519.PublicKey, error)
}

// LinkLostFunc is called when an established session dies on the peer side:
// a peer sent close, or reported its media path broken.
type LinkLostFunc func(pair domain.Pair, sid domain.SessionID, cause error)

type outcome struct {
	creds domain.Credentials
	err   error
}

type negotiation struct {
	pair domain.Pair
	keyB ed25519.PublicKey
	done chan outcome
	once sync.Once
}

func (n *negotiation) finish(o outcome) {
	n.once.Do(func() { n.done <- o })
}

type Channel struct {
	link  core.ControlLink
	dir   Directory
	clock clock.Clock

	mu       sync.Mutex
	timeout  time.Duration
	pending  map[domain.SessionID]*negotiation
	live     map[domain.SessionID]domain.Pair
	linkLost LinkLostFunc

	stale atomic.Uint64
}

func NewChannel(link core.ControlLink, dir Directory, clk clock.Clock, timeout time.Duration) *Channel {
	return &Channel{
		link:    link,
		dir:     dir,
		clock:   clk,
		timeout: timeout,
		pending: make(map[domain.SessionID]*negotiation),
		live:    make(map[domain.SessionID]domain.Pair),
	}
}

func (c *Channel) OnLinkLost(fn LinkLostFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkLost = fn
}

func (c *Channel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Stale counts dropped messages that named an unknown or superseded session.
func (c *Channel) Stale() uint64 { return c.stale.Load() }

// Pending is the number of handshakes in flight.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) identity(ctx context.Context, id domain.PlayerID) (ed25519.PublicKey, error) {
	key, err := c.dir.PublicKey(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrUnknownIdentity, id, err)
	}
	return key, nil
}

// Negotiate drives one handshake for sid and blocks until it completes,
// fails, times out or ctx is cancelled. The lower player id initiates.
func (c *Channel) Negotiate(ctx context.Context, pair domain.Pair, sid domain.SessionID) (domain.Credentials, error) {
	keyA, err := c.identity(ctx, pair.A)
	if err != nil {
		return domain.Credentials{}, err
	}
	keyB, err := c.identity(ctx, pair.B)
	if err != nil {
		return domain.Credentials{}, err
	}

	n := &negotiation{pair: pair, keyB: keyB, done: make(chan outcome, 1)}
	c.mu.Lock()
	c.pending[sid] = n
	timeout := c.timeout
	c.mu.Unlock()

	logger := log.With().Str("module", "signaling").Str("pair", pair.Key()).Str("sid", string(sid)).Logger()
	logger.Debug().Dur("timeout", timeout).Msg("negotiation started")

	timer := c.clock.AfterFunc(timeout, func() {
		n.finish(outcome{err: domain.ErrNegotiationTimeout})
	})
	defer timer.Stop()

	// The responder hears first so its introduce is queued ahead of the offer.
	if err := c.introduce(ctx, sid, pair.B, pair.A, keyA, false); err != nil {
		n.finish(outcome{err: err})
	} else if err := c.introduce(ctx, sid, pair.A, pair.B, keyB, true); err != nil {
		n.finish(outcome{err: err})
	}

	var out outcome
	select {
	case out = <-n.done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	if out.err != nil {
		logger.Info().Err(out.err).Msg("negotiation failed")
		if c.forget(sid) {
			_ = c.sendClose(context.WithoutCancel(ctx), pair, sid, out.err.Error())
		}
		return domain.Credentials{}, out.err
	}

	c.mu.Lock()
	_, stillPending := c.pending[sid]
	delete(c.pending, sid)
	if stillPending {
		c.live[sid] = pair
	}
	c.mu.Unlock()
	if !stillPending {
		// Torn down or closed by a peer between the confirm and this point.
		return domain.Credentials{}, fmt.Errorf("%w: %s closed before it was established", domain.ErrSessionAborted, sid)
	}
	logger.Info().Msg("negotiation complete")
	return out.creds, nil
}

func (c *Channel) introduce(ctx context.Context, sid domain.SessionID, to, peer domain.PlayerID, peerKey ed25519.PublicKey, initiator bool) error {
	payload, err := marshal(introducePayload{Peer: peer, PeerKey: peerKey, Initiator: initiator})
	if err != nil {
		return err
	}
	msg := domain.SignalingMessage{Kind: domain.KindIntroduce, SessionID: sid, Receiver: to, Payload: payload}
	if err := c.link.Send(ctx, to, msg); err != nil {
		return fmt.Errorf("%w: introduce %s: %v", domain.ErrTransport, to, err)
	}
	return nil
}

// Activate tells both players the session is live and which relay route
// carries its media. It fails with ErrSessionAborted once the session has
// been closed by either side.
func (c *Channel) Activate(ctx context.Context, pair domain.Pair, creds domain.Credentials) error {
	c.mu.Lock()
	livePair, ok := c.live[creds.SessionID]
	c.mu.Unlock()
	if !ok || livePair != pair {
		return fmt.Errorf("%w: %s is not live", domain.ErrSessionAborted, creds.SessionID)
	}
	payload, err := marshal(resultPayload{RelayToken: creds.RelayToken, Fingerprint: creds.Fingerprint[:]})
	if err != nil {
		return err
	}
	var errs []error
	for _, to := range []domain.PlayerID{pair.A, pair.B} {
		msg := domain.SignalingMessage{Kind: domain.KindResult, SessionID: creds.SessionID, Receiver: to, Payload: payload}
		if err := c.link.Send(ctx, to, msg); err != nil {
			errs = append(errs, fmt.Errorf("%w: result to %s: %v", domain.ErrTransport, to, err))
		}
	}
	return errors.Join(errs...)
}

// Teardown sends one close notification per session id. Later calls for the
// same id are no-ops. Delivery errors are returned for logging only; the
// session is forgotten locally either way.
func (c *Channel) Teardown(ctx context.Context, pair domain.Pair, sid domain.SessionID) error {
	c.mu.Lock()
	n := c.pending[sid]
	c.mu.Unlock()
	if !c.forget(sid) {
		return nil
	}
	if n != nil {
		n.finish(outcome{err: domain.ErrSessionAborted})
	}
	return c.sendClose(ctx, pair, sid, "teardown")
}

// forget drops sid from both tables and reports whether it was known.
func (c *Channel) forget(sid domain.SessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, p := c.pending[sid]
	_, l := c.live[sid]
	delete(c.pending, sid)
	delete(c.live, sid)
	return p || l
}

func (c *Channel) sendClose(ctx context.Context, pair domain.Pair, sid domain.SessionID, reason string) error {
	payload, err := marshal(closePayload{Reason: reason})
	if err != nil {
		return err
	}
	var errs []error
	for _, to := range []domain.PlayerID{pair.A, pair.B} {
		msg := domain.SignalingMessage{Kind: domain.KindClose, SessionID: sid, Receiver: to, Payload: payload}
		if err := c.link.Send(ctx, to, msg); err != nil {
			log.Warn().Str("module", "signaling").Str("sid", string(sid)).Str("to", string(to)).Err(err).Msg("close not delivered")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Channel) dropStale(from domain.PlayerID, msg domain.SignalingMessage, why string) error {
	c.stale.Add(1)
	log.Debug().
		Str("module", "signaling").
		Str("sid", string(msg.SessionID)).
		Str("from", string(from)).
		Str("kind", string(msg.Kind)).
		Str("why", why).
		Msg("dropping stale signaling message")
	return fmt.Errorf("%w: %s %s from %s", domain.ErrStaleSignalingMessage, msg.Kind, msg.SessionID, from)
}

// Deliver accepts a message sent by player from and relays it to the other
// member of the session's pair. Messages for sessions this channel does not
// know are dropped with ErrStaleSignalingMessage.
func (c *Channel) Deliver(ctx context.Context, from domain.PlayerID, msg domain.SignalingMessage) error {
	c.mu.Lock()
	n, isPending := c.pending[msg.SessionID]
	pair, isLive := c.live[msg.SessionID]
	linkLost := c.linkLost
	c.mu.Unlock()
	if isPending {
		pair = n.pair
	}
	if (!isPending && !isLive) || !pair.Has(from) {
		return c.dropStale(from, msg, "unknown session")
	}
	msg.Sender = from
	msg.Receiver = pair.Other(from)

	switch msg.Kind {
	case domain.KindOffer:
		if !isPending || from != pair.A {
			return c.dropStale(from, msg, "unexpected offer")
		}
	case domain.KindAnswer:
		if !isPending || from != pair.B {
			return c.dropStale(from, msg, "unexpected answer")
		}
		var body answerBody
		if err := openSigned(n.keyB, msg.Payload, &body); err != nil {
			n.finish(outcome{err: err})
			return err
		}
		if !body.Accept {
			n.finish(outcome{err: domain.ErrNegotiationRejected})
		}
	case domain.KindConfirm:
		if !isPending || from != pair.A {
			return c.dropStale(from, msg, "unexpected confirm")
		}
		var cp confirmPayload
		if err := unmarshal(msg.Payload, &cp); err != nil || len(cp.Fingerprint) != 32 {
			n.finish(outcome{err: domain.ErrNegotiationRejected})
			return domain.ErrNegotiationRejected
		}
		creds := domain.Credentials{SessionID: msg.SessionID, RelayToken: uuid.NewString()}
		copy(creds.Fingerprint[:], cp.Fingerprint)
		defer n.finish(outcome{creds: creds})
	case domain.KindClose:
		if !c.forget(msg.SessionID) {
			return c.dropStale(from, msg, "already closed")
		}
		if isPending {
			n.finish(outcome{err: domain.ErrNegotiationRejected})
		} else if linkLost != nil {
			linkLost(pair, msg.SessionID, fmt.Errorf("%w: %s closed the session", domain.ErrTransport, from))
		}
	case domain.KindTransportError:
		if !isLive {
			return c.dropStale(from, msg, "transport error before established")
		}
		if linkLost != nil {
			linkLost(pair, msg.SessionID, fmt.Errorf("%w: reported by %s", domain.ErrTransport, from))
		}
		return nil
	case domain.KindDescription:
		if !isLive {
			return c.dropStale(from, msg, "description before established")
		}
	default:
		return c.dropStale(from, msg, "unknown kind")
	}

	if err := c.link.Send(ctx, msg.Receiver, msg); err != nil {
		if isPending {
			n.finish(outcome{err: fmt.Errorf("%w: relay %s: %v", domain.ErrTransport, msg.Kind, err)})
		}
		return fmt.Errorf("%w: relay %s to %s: %v", domain.ErrTransport, msg.Kind, msg.Receiver, err)
	}
	return nil
}
