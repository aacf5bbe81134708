package signaling

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/secure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender carries a peer's messages to the server.
type Sender interface {
	Send(ctx context.Context, msg domain.SignalingMessage) error
}

// Established describes a session the peer can start sending media on.
type Established struct {
	Pair       domain.Pair
	Peer       domain.PlayerID
	SessionID  domain.SessionID
	Key        secure.SessionKey
	RelayToken string
	Initiator  bool
}

func (e Established) Credentials() domain.Credentials {
	return domain.Credentials{
		SessionID:   e.SessionID,
		Key:         e.Key[:],
		Fingerprint: e.Key.Fingerprint(),
		RelayToken:  e.RelayToken,
	}
}

type peerSession struct {
	peer        domain.PlayerID
	peerKey     ed25519.PublicKey
	initiator   bool
	box         *secure.SignalingKey
	eph         *secure.Ephemeral
	key         secure.SessionKey
	keyed       bool
	confirmed   bool
	established bool
}

// PeerHooks are optional callbacks. They run on the goroutine that called
// Handle and must not block.
type PeerHooks struct {
	// Accept decides whether to answer an offer from peer. Nil accepts all.
	Accept        func(peer domain.PlayerID) bool
	OnEstablished func(Established)
	OnClosed      func(peer domain.PlayerID, sid domain.SessionID)
	OnDescription func(peer domain.PlayerID, sid domain.SessionID, payload []byte)
}

// Peer is the client half of the handshake.
type Peer struct {
	self     domain.PlayerID
	identity ed25519.PrivateKey
	out      Sender
	hooks    PeerHooks
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[domain.SessionID]*peerSession

	stale atomic.Uint64
}

func NewPeer(self domain.PlayerID, identity ed25519.PrivateKey, out Sender, hooks PeerHooks) *Peer {
	return &Peer{
		self:     self,
		identity: identity,
		out:      out,
		hooks:    hooks,
		logger:   log.With().Str("module", "signaling.peer").Str("self", string(self)).Logger(),
		sessions: make(map[domain.SessionID]*peerSession),
	}
}

func (p *Peer) ID() domain.PlayerID { return p.self }

func (p *Peer) Stale() uint64 { return p.stale.Load() }

// Session returns the established session with sid.
func (p *Peer) Session(sid domain.SessionID) (Established, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sid]
	if !ok || !s.established {
		return Established{}, false
	}
	return p.describe(sid, s), true
}

func (p *Peer) describe(sid domain.SessionID, s *peerSession) Established {
	return Established{
		Pair:      domain.NewPair(p.self, s.peer),
		Peer:      s.peer,
		SessionID: sid,
		Key:       s.key,
		Initiator: s.initiator,
	}
}

func (p *Peer) send(ctx context.Context, kind domain.MessageKind, sid domain.SessionID, to domain.PlayerID, payload []byte) error {
	msg := domain.SignalingMessage{Kind: kind, SessionID: sid, Sender: p.self, Receiver: to, Payload: payload}
	if err := p.out.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: send %s: %v", domain.ErrTransport, kind, err)
	}
	return nil
}

func (p *Peer) dropStale(msg domain.SignalingMessage) error {
	p.stale.Add(1)
	p.logger.Debug().Str("sid", string(msg.SessionID)).Str("kind", string(msg.Kind)).Msg("dropping stale signaling message")
	return fmt.Errorf("%w: %s %s", domain.ErrStaleSignalingMessage, msg.Kind, msg.SessionID)
}

// lookup returns the session for msg if it exists and passes check.
func (p *Peer) lookup(sid domain.SessionID, check func(*peerSession) bool) (*peerSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sid]
	if !ok || !check(s) {
		return nil, false
	}
	return s, true
}

func (p *Peer) drop(sid domain.SessionID) (*peerSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sid]
	delete(p.sessions, sid)
	return s, ok
}

// Handle processes one message from the server.
func (p *Peer) Handle(ctx context.Context, msg domain.SignalingMessage) error {
	switch msg.Kind {
	case domain.KindIntroduce:
		return p.handleIntroduce(ctx, msg)
	case domain.KindOffer:
		return p.handleOffer(ctx, msg)
	case domain.KindAnswer:
		return p.handleAnswer(ctx, msg)
	case domain.KindConfirm:
		return p.handleConfirm(ctx, msg)
	case domain.KindResult:
		return p.handleResult(ctx, msg)
	case domain.KindClose:
		s, ok := p.drop(msg.SessionID)
		if !ok {
			return p.dropStale(msg)
		}
		p.logger.Info().Str("sid", string(msg.SessionID)).Str("peer", string(s.peer)).Msg("session closed by server")
		if s.established && p.hooks.OnClosed != nil {
			p.hooks.OnClosed(s.peer, msg.SessionID)
		}
		return nil
	case domain.KindDescription:
		s, ok := p.lookup(msg.SessionID, func(s *peerSession) bool { return s.established })
		if !ok {
			return p.dropStale(msg)
		}
		if p.hooks.OnDescription != nil {
			p.hooks.OnDescription(s.peer, msg.SessionID, msg.Payload)
		}
		return nil
	default:
		return p.dropStale(msg)
	}
}

func (p *Peer) handleIntroduce(ctx context.Context, msg domain.SignalingMessage) error {
	var in introducePayload
	if err := unmarshal(msg.Payload, &in); err != nil {
		return err
	}
	s := &peerSession{peer: in.Peer, peerKey: ed25519.PublicKey(in.PeerKey), initiator: in.Initiator}
	box, err := secure.NewSignalingKey(p.identity, s.peerKey, msg.SessionID, domain.NewPair(p.self, in.Peer))
	if err != nil {
		return err
	}
	s.box = box

	p.mu.Lock()
	// A newer session id for the same peer supersedes any older one.
	for sid, old := range p.sessions {
		if old.peer == in.Peer {
			delete(p.sessions, sid)
		}
	}
	p.sessions[msg.SessionID] = s
	p.mu.Unlock()

	if !in.Initiator {
		return nil
	}
	eph, err := secure.NewEphemeral()
	if err != nil {
		return err
	}
	p.mu.Lock()
	s.eph = eph
	p.mu.Unlock()

	secret, err := marshal(offerSecret{Ephemeral: eph.Public, Capabilities: Capabilities})
	if err != nil {
		return err
	}
	payload, err := sign(p.identity, offerBody{
		Kind:      string(domain.KindOffer),
		SessionID: msg.SessionID,
		Sender:    p.self,
		Receiver:  in.Peer,
		Sealed:    box.Seal(domain.KindOffer, secret),
	})
	if err != nil {
		return err
	}
	return p.send(ctx, domain.KindOffer, msg.SessionID, in.Peer, payload)
}

func (p *Peer) handleOffer(ctx context.Context, msg domain.SignalingMessage) error {
	s, ok := p.lookup(msg.SessionID, func(s *peerSession) bool { return !s.initiator && s.eph == nil })
	if !ok {
		return p.dropStale(msg)
	}
	var body offerBody
	if err := openSigned(s.peerKey, msg.Payload, &body); err != nil {
		p.reject(ctx, msg.SessionID, s.peer, err)
		return err
	}
	if body.Kind != string(domain.KindOffer) || body.SessionID != msg.SessionID || body.Sender != s.peer || body.Receiver != p.self {
		p.reject(ctx, msg.SessionID, s.peer, domain.ErrBadSignature)
		return domain.ErrBadSignature
	}
	var offer offerSecret
	if err := openSealed(s.box, domain.KindOffer, body.Sealed, &offer); err != nil {
		p.reject(ctx, msg.SessionID, s.peer, err)
		return err
	}

	accept := p.hooks.Accept == nil || p.hooks.Accept(s.peer)
	reply := answerBody{
		Kind:      string(domain.KindAnswer),
		SessionID: msg.SessionID,
		Sender:    p.self,
		Receiver:  s.peer,
		Accept:    accept,
	}
	if accept {
		eph, err := secure.NewEphemeral()
		if err != nil {
			return err
		}
		key, err := eph.Agree(offer.Ephemeral, msg.SessionID, domain.NewPair(p.self, s.peer))
		if err != nil {
			p.reject(ctx, msg.SessionID, s.peer, err)
			return err
		}
		secret, err := marshal(answerSecret{Ephemeral: eph.Public})
		if err != nil {
			return err
		}
		p.mu.Lock()
		s.eph, s.key, s.keyed = eph, key, true
		p.mu.Unlock()
		reply.Sealed = s.box.Seal(domain.KindAnswer, secret)
	} else {
		p.drop(msg.SessionID)
		p.logger.Info().Str("sid", string(msg.SessionID)).Str("peer", string(s.peer)).Msg("declining offer")
	}

	payload, err := sign(p.identity, reply)
	if err != nil {
		return err
	}
	return p.send(ctx, domain.KindAnswer, msg.SessionID, s.peer, payload)
}

func (p *Peer) handleAnswer(ctx context.Context, msg domain.SignalingMessage) error {
	s, ok := p.lookup(msg.SessionID, func(s *peerSession) bool { return s.initiator && s.eph != nil && !s.keyed })
	if !ok {
		return p.dropStale(msg)
	}
	var body answerBody
	if err := openSigned(s.peerKey, msg.Payload, &body); err != nil {
		p.reject(ctx, msg.SessionID, s.peer, err)
		return err
	}
	if body.Kind != string(domain.KindAnswer) || body.SessionID != msg.SessionID || body.Sender != s.peer || body.Receiver != p.self {
		p.reject(ctx, msg.SessionID, s.peer, domain.ErrBadSignature)
		return domain.ErrBadSignature
	}
	if !body.Accept {
		p.drop(msg.SessionID)
		return nil
	}

	var answer answerSecret
	if err := openSealed(s.box, domain.KindAnswer, body.Sealed, &answer); err != nil {
		p.reject(ctx, msg.SessionID, s.peer, err)
		return err
	}
	key, err := s.eph.Agree(answer.Ephemeral, msg.SessionID, domain.NewPair(p.self, s.peer))
	if err != nil {
		p.reject(ctx, msg.SessionID, s.peer, err)
		return err
	}
	p.mu.Lock()
	s.key, s.keyed, s.confirmed = key, true, true
	p.mu.Unlock()

	proof, err := secure.SealProof(key, msg.SessionID)
	if err != nil {
		return err
	}
	fp := key.Fingerprint()
	payload, err := marshal(confirmPayload{Fingerprint: fp[:], Proof: proof})
	if err != nil {
		return err
	}
	return p.send(ctx, domain.KindConfirm, msg.SessionID, s.peer, payload)
}

func (p *Peer) handleConfirm(ctx context.Context, msg domain.SignalingMessage) error {
	s, ok := p.lookup(msg.SessionID, func(s *peerSession) bool { return !s.initiator && s.keyed && !s.confirmed })
	if !ok {
		return p.dropStale(msg)
	}
	var cp confirmPayload
	if err := unmarshal(msg.Payload, &cp); err != nil {
		p.reject(ctx, msg.SessionID, s.peer, err)
		return err
	}
	if err := secure.OpenProof(s.key, msg.SessionID, cp.Proof); err != nil {
		p.reject(ctx, msg.SessionID, s.peer, err)
		return err
	}
	p.mu.Lock()
	s.confirmed = true
	p.mu.Unlock()
	return nil
}

func (p *Peer) handleResult(ctx context.Context, msg domain.SignalingMessage) error {
	s, ok := p.lookup(msg.SessionID, func(s *peerSession) bool { return s.confirmed && !s.established })
	if !ok {
		return p.dropStale(msg)
	}
	var res resultPayload
	if err := unmarshal(msg.Payload, &res); err != nil {
		return err
	}
	fp := s.key.Fingerprint()
	if !bytes.Equal(res.Fingerprint, fp[:]) {
		p.reject(ctx, msg.SessionID, s.peer, domain.ErrFingerprintMismatch)
		return domain.ErrFingerprintMismatch
	}

	p.mu.Lock()
	s.established = true
	est := p.describe(msg.SessionID, s)
	p.mu.Unlock()
	est.RelayToken = res.RelayToken

	p.logger.Info().Str("sid", string(msg.SessionID)).Str("peer", string(s.peer)).Msg("voice session established")
	if p.hooks.OnEstablished != nil {
		p.hooks.OnEstablished(est)
	}
	return nil
}

// reject abandons sid and tells the server, best effort.
func (p *Peer) reject(ctx context.Context, sid domain.SessionID, peer domain.PlayerID, cause error) {
	p.logger.Warn().Str("sid", string(sid)).Str("peer", string(peer)).Err(cause).Msg("rejecting session")
	if _, ok := p.drop(sid); !ok {
		return
	}
	payload, _ := marshal(closePayload{Reason: cause.Error()})
	if err := p.send(ctx, domain.KindClose, sid, peer, payload); err != nil {
		p.logger.Warn().Err(err).Msg("close not delivered")
	}
}

// Close ends sid from this side. It is a no-op for unknown ids.
func (p *Peer) Close(ctx context.Context, sid domain.SessionID) error {
	s, ok := p.drop(sid)
	if !ok {
		return nil
	}
	payload, err := marshal(closePayload{Reason: "local close"})
	if err != nil {
		return err
	}
	return p.send(ctx, domain.KindClose, sid, s.peer, payload)
}

// ReportTransportError tells the server the media path for sid is dead.
func (p *Peer) ReportTransportError(ctx context.Context, sid domain.SessionID) error {
	s, ok := p.lookup(sid, func(s *peerSession) bool { return s.established })
	if !ok {
		return nil
	}
	return p.send(ctx, domain.KindTransportError, sid, s.peer, nil)
}

// SendDescription relays opaque transport setup data to the other peer.
func (p *Peer) SendDescription(ctx context.Context, sid domain.SessionID, payload []byte) error {
	s, ok := p.lookup(sid, func(s *peerSession) bool { return s.established })
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStaleSignalingMessage, sid)
	}
	return p.send(ctx, domain.KindDescription, sid, s.peer, payload)
}
