package sfu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/testutil"
	"github.com/pion/rtp"
)

type packet struct {
	ts      uint32
	payload string
}

// network connects client uplinks to a relay the way the websocket hub
// does: uplink sinks feed Ingest, relay egress feeds Deliver.
type network struct {
	mu      sync.Mutex
	relay   *Relay
	clients map[domain.PlayerID]*Uplink
	broken  map[domain.PlayerID]bool
}

func (n *network) SendMedia(to domain.PlayerID, raw []byte) error {
	n.mu.Lock()
	u, ok := n.clients[to]
	broken := n.broken[to]
	n.mu.Unlock()
	if !ok || broken {
		return errors.New("player not connected")
	}
	_ = u.Deliver(raw)
	return nil
}

func (n *network) client(id domain.PlayerID) *Uplink {
	u := NewUplink(id, func(raw []byte) error { return n.relay.Ingest(id, raw) })
	n.mu.Lock()
	n.clients[id] = u
	n.mu.Unlock()
	return u
}

func (n *network) breakPlayer(id domain.PlayerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broken[id] = true
}

func newNetwork(t *testing.T) *network {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n := &network{clients: make(map[domain.PlayerID]*Uplink), broken: make(map[domain.PlayerID]bool)}
	n.relay = NewRelay(ctx, n)
	return n
}

var (
	pairAB = domain.NewPair("alice", "bob")
	creds  = domain.Credentials{SessionID: "s1", RelayToken: "token-1"}
)

func collect(t *testing.T, u *Uplink, h interface {
	Pair() domain.Pair
	SessionID() domain.SessionID
}) chan packet {
	t.Helper()
	ch := make(chan packet, 16)
	u.OnPacket(h, func(ts uint32, payload []byte) { ch <- packet{ts: ts, payload: string(payload)} })
	return ch
}

func TestRelayForwardsBothWays(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()
	route, err := n.relay.Open(ctx, pairAB, creds)
	if err != nil {
		t.Fatalf("open route: %v", err)
	}
	if route.SessionID() != "s1" || route.Pair() != pairAB {
		t.Fatalf("unexpected handle %v %v", route.SessionID(), route.Pair())
	}

	alice, bob := n.client("alice"), n.client("bob")
	ha, _ := alice.Open(ctx, pairAB, creds)
	hb, _ := bob.Open(ctx, pairAB, creds)
	toBob, toAlice := collect(t, bob, hb), collect(t, alice, ha)

	seen := make(chan string, 4)
	n.relay.OnReceive(route, func(p []byte) { seen <- string(p) })

	if err := alice.Send(ha, []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := alice.Send(ha, []byte("two")); err != nil {
		t.Fatalf("send: %v", err)
	}
	first := testutil.RequireReceive(t, toBob, time.Second, "bob hears alice")
	second := testutil.RequireReceive(t, toBob, time.Second, "bob hears alice again")
	if first.payload != "one" || second.payload != "two" {
		t.Fatalf("got %q then %q", first.payload, second.payload)
	}
	if second.ts-first.ts != 960 {
		t.Fatalf("timestamp step = %d, want 960", second.ts-first.ts)
	}
	testutil.RequireReceive(t, seen, time.Second, "relay observes traffic")

	_ = bob.Send(hb, []byte("back"))
	got := testutil.RequireReceive(t, toAlice, time.Second, "alice hears bob")
	if got.payload != "back" {
		t.Fatalf("got %q, want back", got.payload)
	}
	testutil.RequireNoReceive(t, toBob, 20*time.Millisecond, "bob must not hear himself")
}

func TestIngestRejectsSpoofedSender(t *testing.T) {
	n := newNetwork(t)
	if _, err := n.relay.Open(context.Background(), pairAB, creds); err != nil {
		t.Fatalf("open: %v", err)
	}
	pkt := rtp.Packet{Header: rtp.Header{Version: 2, SSRC: SSRC(creds.RelayToken, "alice")}, Payload: []byte("x")}
	raw, _ := pkt.Marshal()

	if err := n.relay.Ingest("mallory", raw); !errors.Is(err, ErrForeignSSRC) {
		t.Fatalf("got %v, want ErrForeignSSRC", err)
	}
	pkt.SSRC = 42
	raw, _ = pkt.Marshal()
	if err := n.relay.Ingest("alice", raw); !errors.Is(err, ErrUnknownRoute) {
		t.Fatalf("got %v, want ErrUnknownRoute", err)
	}
	if err := n.relay.Ingest("alice", []byte{1}); !errors.Is(err, domain.ErrCodec) {
		t.Fatalf("got %v, want ErrCodec", err)
	}
	if got := n.relay.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
}

func TestMutedPlayerIsNotRelayed(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()
	n.relay.SetMuted("alice", true)
	if _, err := n.relay.Open(ctx, pairAB, creds); err != nil {
		t.Fatalf("open: %v", err)
	}
	alice, bob := n.client("alice"), n.client("bob")
	ha, _ := alice.Open(ctx, pairAB, creds)
	hb, _ := bob.Open(ctx, pairAB, creds)
	toBob := collect(t, bob, hb)

	_ = alice.Send(ha, []byte("shh"))
	testutil.RequireNoReceive(t, toBob, 30*time.Millisecond, "muted frame relayed")

	n.relay.SetMuted("alice", false)
	_ = alice.Send(ha, []byte("hello"))
	got := testutil.RequireReceive(t, toBob, time.Second, "unmuted frame")
	if got.payload != "hello" {
		t.Fatalf("got %q, want hello", got.payload)
	}
}

func TestRouteReportsWriteFailureOnce(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()
	route, _ := n.relay.Open(ctx, pairAB, creds)
	errs := make(chan error, 4)
	n.relay.OnError(route, func(err error) { errs <- err })

	alice := n.client("alice")
	ha, _ := alice.Open(ctx, pairAB, creds)
	n.breakPlayer("bob")
	_ = alice.Send(ha, []byte("lost"))
	_ = alice.Send(ha, []byte("lost again"))

	err := testutil.RequireReceive(t, errs, time.Second, "route error")
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
	testutil.RequireNoReceive(t, errs, 30*time.Millisecond, "second error report")
}

func TestCloseIsIdempotentAndStopsForwarding(t *testing.T) {
	n := newNetwork(t)
	ctx := context.Background()
	route, _ := n.relay.Open(ctx, pairAB, creds)
	if n.relay.Routes() != 1 {
		t.Fatalf("routes = %d, want 1", n.relay.Routes())
	}
	if err := n.relay.Close(route); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := n.relay.Close(route); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n.relay.Routes() != 0 {
		t.Fatalf("routes = %d after close", n.relay.Routes())
	}
	alice := n.client("alice")
	ha, _ := alice.Open(ctx, pairAB, creds)
	if err := alice.Send(ha, []byte("late")); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport for a closed route", err)
	}
	if err := n.relay.Send(route, []byte("x")); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport from relay send", err)
	}
}

func TestOpenRequiresRelayToken(t *testing.T) {
	n := newNetwork(t)
	if _, err := n.relay.Open(context.Background(), pairAB, domain.Credentials{SessionID: "s1"}); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
	u := NewUplink("carol", func([]byte) error { return nil })
	if _, err := u.Open(context.Background(), pairAB, creds); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport for a foreign pair", err)
	}
}

func TestSSRCDependsOnSender(t *testing.T) {
	if SSRC("t", "alice") == SSRC("t", "bob") {
		t.Fatalf("senders share an ssrc")
	}
	if SSRC("t", "alice") != SSRC("t", "alice") {
		t.Fatalf("ssrc not deterministic")
	}
	if SSRC("t1", "alice") == SSRC("t2", "alice") {
		t.Fatalf("routes share an ssrc")
	}
}

func TestTrackStateDeleteIsFinal(t *testing.T) {
	ot := NewOutTrack("a", "b", nil)
	ot.MarkMuted()
	if ot.GetState() != TrackStateMuted {
		t.Fatalf("got %v, want muted", ot.GetState())
	}
	ot.MarkDelete()
	ot.MarkOk()
	if ot.GetState() != TrackStateDelete {
		t.Fatalf("got %v, want delete", ot.GetState())
	}
}
