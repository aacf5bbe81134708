package signaling

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/roguetalk/internal/clock"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/secure"
	"github.com/dkeye/roguetalk/internal/testutil"
)

const wait = 5 * time.Second

var pair = domain.NewPair("alice", "bob")

type keyring map[domain.PlayerID]ed25519.PublicKey

func (k keyring) PublicKey(_ context.Context, id domain.PlayerID) (ed25519.PublicKey, error) {
	key, ok := k[id]
	if !ok {
		return nil, errors.New("not registered")
	}
	return key, nil
}

type closedEvent struct {
	self domain.PlayerID
	sid  domain.SessionID
}

type harness struct {
	link        *MemoryLink
	ch          *Channel
	clk         *clock.Fake
	peers       map[domain.PlayerID]*Peer
	keys        keyring
	established chan Established
	closed      chan closedEvent
}

func newHarness(t *testing.T, hooks map[domain.PlayerID]PeerHooks) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		link:        NewMemoryLink(),
		clk:         clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		peers:       make(map[domain.PlayerID]*Peer),
		keys:        make(keyring),
		established: make(chan Established, 8),
		closed:      make(chan closedEvent, 8),
	}
	h.ch = NewChannel(h.link, h.keys, h.clk, 3*time.Second)
	h.link.Serve(ctx, h.ch)

	for _, id := range []domain.PlayerID{pair.A, pair.B} {
		pub, priv, err := secure.GenerateIdentity()
		if err != nil {
			t.Fatalf("identity: %v", err)
		}
		h.keys[id] = pub
		self := id
		hk := hooks[id]
		hk.OnEstablished = func(e Established) { h.established <- e }
		hk.OnClosed = func(_ domain.PlayerID, sid domain.SessionID) { h.closed <- closedEvent{self: self, sid: sid} }
		p := NewPeer(id, priv, h.link.Uplink(id), hk)
		h.peers[id] = p
		h.link.Attach(ctx, p)
	}
	return h
}

func (h *harness) open(id domain.PlayerID) int {
	p := h.peers[id]
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (h *harness) establish(t *testing.T, sid domain.SessionID) domain.Credentials {
	t.Helper()
	ctx := context.Background()
	creds, err := h.ch.Negotiate(ctx, pair, sid)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if err := h.ch.Activate(ctx, pair, creds); err != nil {
		t.Fatalf("activate: %v", err)
	}
	testutil.RequireReceive(t, h.established, wait, "first peer established")
	testutil.RequireReceive(t, h.established, wait, "second peer established")
	return creds
}

func TestHandshakeEstablishesMatchingKeys(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	creds, err := h.ch.Negotiate(ctx, pair, "s1")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if creds.SessionID != "s1" || creds.RelayToken == "" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if creds.Key != nil {
		t.Fatalf("server must never hold the session key")
	}
	if err := h.ch.Activate(ctx, pair, creds); err != nil {
		t.Fatalf("activate: %v", err)
	}

	e1 := testutil.RequireReceive(t, h.established, wait, "first peer")
	e2 := testutil.RequireReceive(t, h.established, wait, "second peer")
	if e1.Key != e2.Key {
		t.Fatalf("peers hold different keys")
	}
	if e1.Key.Fingerprint() != creds.Fingerprint {
		t.Fatalf("server fingerprint does not match the peers' key")
	}
	if e1.RelayToken != creds.RelayToken || e2.RelayToken != creds.RelayToken {
		t.Fatalf("relay token not delivered")
	}
	if e1.Initiator == e2.Initiator {
		t.Fatalf("exactly one side should be the initiator")
	}
	if _, ok := h.peers[pair.A].Session("s1"); !ok {
		t.Fatalf("initiator lost the session")
	}
}

func TestUnansweredOfferTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	h.link.SetFilter(func(_, _ domain.PlayerID, msg domain.SignalingMessage) bool {
		return msg.Kind != domain.KindOffer
	})

	errc := make(chan error, 1)
	go func() {
		_, err := h.ch.Negotiate(context.Background(), pair, "s1")
		errc <- err
	}()
	h.clk.WaitForTimers(1)
	h.clk.Advance(3 * time.Second)

	err := testutil.RequireReceive(t, errc, wait, "negotiate result")
	if !errors.Is(err, domain.ErrNegotiationTimeout) {
		t.Fatalf("expected ErrNegotiationTimeout, got %v", err)
	}
	if h.ch.Pending() != 0 {
		t.Fatalf("negotiation leaked: %d pending", h.ch.Pending())
	}
	if h.clk.Pending() != 0 {
		t.Fatalf("timer leaked: %d pending", h.clk.Pending())
	}
	testutil.Eventually(t, wait, func() bool {
		return h.open(pair.A) == 0 && h.open(pair.B) == 0
	}, "peers should drop the failed session")
}

func TestResponderDeclines(t *testing.T) {
	h := newHarness(t, map[domain.PlayerID]PeerHooks{
		pair.B: {Accept: func(domain.PlayerID) bool { return false }},
	})
	_, err := h.ch.Negotiate(context.Background(), pair, "s1")
	if !errors.Is(err, domain.ErrNegotiationRejected) {
		t.Fatalf("expected ErrNegotiationRejected, got %v", err)
	}
}

func TestForgedIdentityRejected(t *testing.T) {
	h := newHarness(t, nil)
	impostor, _, _ := secure.GenerateIdentity()
	h.keys[pair.A] = impostor

	_, err := h.ch.Negotiate(context.Background(), pair, "s1")
	if !errors.Is(err, domain.ErrNegotiationRejected) {
		t.Fatalf("expected ErrNegotiationRejected, got %v", err)
	}
}

func TestUnknownIdentity(t *testing.T) {
	h := newHarness(t, nil)
	delete(h.keys, pair.B)
	_, err := h.ch.Negotiate(context.Background(), pair, "s1")
	if !errors.Is(err, domain.ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestStaleMessagesDropped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	err := h.ch.Deliver(ctx, pair.A, domain.SignalingMessage{Kind: domain.KindOffer, SessionID: "ghost"})
	if !errors.Is(err, domain.ErrStaleSignalingMessage) {
		t.Fatalf("expected ErrStaleSignalingMessage, got %v", err)
	}

	h.establish(t, "s1")
	err = h.ch.Deliver(ctx, pair.A, domain.SignalingMessage{Kind: domain.KindConfirm, SessionID: "s1"})
	if !errors.Is(err, domain.ErrStaleSignalingMessage) {
		t.Fatalf("late confirm should be stale, got %v", err)
	}
	err = h.ch.Deliver(ctx, "mallory", domain.SignalingMessage{Kind: domain.KindDescription, SessionID: "s1"})
	if !errors.Is(err, domain.ErrStaleSignalingMessage) {
		t.Fatalf("outsider message should be stale, got %v", err)
	}
	if h.ch.Stale() != 3 {
		t.Fatalf("got %d stale, want 3", h.ch.Stale())
	}

	if err := h.peers[pair.A].Handle(ctx, domain.SignalingMessage{Kind: domain.KindAnswer, SessionID: "ghost"}); !errors.Is(err, domain.ErrStaleSignalingMessage) {
		t.Fatalf("peer should drop unknown answers, got %v", err)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	var closes atomic.Int32
	h.link.SetFilter(func(_, _ domain.PlayerID, msg domain.SignalingMessage) bool {
		if msg.Kind == domain.KindClose {
			closes.Add(1)
		}
		return true
	})
	h.establish(t, "s1")

	ctx := context.Background()
	if err := h.ch.Teardown(ctx, pair, "s1"); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := h.ch.Teardown(ctx, pair, "s1"); err != nil {
		t.Fatalf("second teardown: %v", err)
	}
	testutil.RequireReceive(t, h.closed, wait, "first close")
	testutil.RequireReceive(t, h.closed, wait, "second close")
	testutil.RequireNoReceive(t, h.closed, 50*time.Millisecond, "no third close")
	if got := closes.Load(); got != 2 {
		t.Fatalf("got %d close messages, want one per player", got)
	}
}

func TestPeerCloseReportsLinkLost(t *testing.T) {
	h := newHarness(t, nil)
	lost := make(chan error, 1)
	h.ch.OnLinkLost(func(p domain.Pair, sid domain.SessionID, cause error) {
		if p == pair && sid == "s1" {
			lost <- cause
		}
	})
	h.establish(t, "s1")

	if err := h.peers[pair.A].Close(context.Background(), "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	cause := testutil.RequireReceive(t, lost, wait, "link lost")
	if !errors.Is(cause, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", cause)
	}
	ev := testutil.RequireReceive(t, h.closed, wait, "other side closed")
	if ev.self != pair.B {
		t.Fatalf("close delivered to %v, want %v", ev.self, pair.B)
	}
	// The server already forgot the session; teardown sends nothing more.
	if err := h.ch.Teardown(context.Background(), pair, "s1"); err != nil {
		t.Fatalf("teardown: %v", err)
	}
}

func TestTransportErrorReport(t *testing.T) {
	h := newHarness(t, nil)
	lost := make(chan error, 1)
	h.ch.OnLinkLost(func(_ domain.Pair, _ domain.SessionID, cause error) { lost <- cause })
	h.establish(t, "s1")

	if err := h.peers[pair.B].ReportTransportError(context.Background(), "s1"); err != nil {
		t.Fatalf("report: %v", err)
	}
	cause := testutil.RequireReceive(t, lost, wait, "link lost")
	if !errors.Is(cause, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", cause)
	}
}

func TestTeardownCancelsNegotiation(t *testing.T) {
	h := newHarness(t, nil)
	h.link.SetFilter(func(_, _ domain.PlayerID, msg domain.SignalingMessage) bool {
		return msg.Kind != domain.KindAnswer
	})

	errc := make(chan error, 1)
	go func() {
		_, err := h.ch.Negotiate(context.Background(), pair, "s1")
		errc <- err
	}()
	testutil.Eventually(t, wait, func() bool { return h.ch.Pending() == 1 }, "negotiation registered")

	if err := h.ch.Teardown(context.Background(), pair, "s1"); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	err := testutil.RequireReceive(t, errc, wait, "negotiate result")
	if !errors.Is(err, domain.ErrSessionAborted) {
		t.Fatalf("expected ErrSessionAborted, got %v", err)
	}
	if h.ch.Pending() != 0 {
		t.Fatalf("negotiation leaked")
	}
}

func TestNewSessionSupersedesOld(t *testing.T) {
	h := newHarness(t, nil)
	h.establish(t, "s1")
	h.ch.Teardown(context.Background(), pair, "s1")
	testutil.RequireReceive(t, h.closed, wait, "close a")
	testutil.RequireReceive(t, h.closed, wait, "close b")

	h.establish(t, "s2")
	if _, ok := h.peers[pair.B].Session("s1"); ok {
		t.Fatalf("old session survived")
	}
	if _, ok := h.peers[pair.B].Session("s2"); !ok {
		t.Fatalf("new session missing")
	}
}

func TestRelayedOfferIsSealed(t *testing.T) {
	h := newHarness(t, nil)
	offers := make(chan []byte, 1)
	h.link.SetFilter(func(from, to domain.PlayerID, msg domain.SignalingMessage) bool {
		if msg.Kind == domain.KindOffer && from == pair.A && to == "" {
			offers <- msg.Payload
		}
		return true
	})
	h.establish(t, "s1")
	payload := testutil.RequireReceive(t, offers, wait, "offer seen by the server")

	// The server can check who sent the offer and where it goes.
	var body offerBody
	if err := openSigned(h.keys[pair.A], payload, &body); err != nil {
		t.Fatalf("signature: %v", err)
	}
	if body.Sender != pair.A || body.Receiver != pair.B || len(body.Sealed) == 0 {
		t.Fatalf("routing fields: got %+v", body)
	}
	if bytes.Contains(payload, []byte(Capabilities[0])) {
		t.Fatalf("capabilities travel in clear")
	}

	// Knowing both public keys is not enough to open the body.
	_, outsider, err := secure.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	for _, pub := range []ed25519.PublicKey{h.keys[pair.A], h.keys[pair.B]} {
		key, err := secure.NewSignalingKey(outsider, pub, "s1", pair)
		if err != nil {
			t.Fatalf("signaling key: %v", err)
		}
		if _, err := key.Open(domain.KindOffer, body.Sealed); err == nil {
			t.Fatalf("outsider opened the offer")
		}
	}
}

func TestActivateAfterPeerCloseFails(t *testing.T) {
	h := newHarness(t, nil)
	lost := make(chan domain.SessionID, 1)
	h.ch.OnLinkLost(func(_ domain.Pair, sid domain.SessionID, _ error) { lost <- sid })
	ctx := context.Background()

	creds, err := h.ch.Negotiate(ctx, pair, "s1")
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if err := h.peers[pair.B].Close(ctx, "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sid := testutil.RequireReceive(t, lost, wait, "link lost"); sid != "s1" {
		t.Fatalf("lost %s, want s1", sid)
	}
	if err := h.ch.Activate(ctx, pair, creds); !errors.Is(err, domain.ErrSessionAborted) {
		t.Fatalf("activate after close: got %v, want ErrSessionAborted", err)
	}
	testutil.RequireNoReceive(t, h.established, 50*time.Millisecond, "closed session established")
}
