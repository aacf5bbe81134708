package voice

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/roguetalk/internal/app/audio"
	"github.com/dkeye/roguetalk/internal/app/sfu"
	"github.com/dkeye/roguetalk/internal/app/signaling"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/secure"
	"github.com/dkeye/roguetalk/internal/testutil"
)

var pairAB = domain.NewPair("alice", "bob")

// relayNet joins player uplinks through a server relay, the way the
// control connection does in production.
type relayNet struct {
	mu      sync.Mutex
	relay   *sfu.Relay
	uplinks map[domain.PlayerID]*sfu.Uplink
	down    atomic.Bool
}

func (n *relayNet) SendMedia(to domain.PlayerID, packet []byte) error {
	n.mu.Lock()
	u, ok := n.uplinks[to]
	n.mu.Unlock()
	if !ok {
		return errors.New("not connected")
	}
	_ = u.Deliver(packet)
	return nil
}

func (n *relayNet) uplink(id domain.PlayerID) *sfu.Uplink {
	u := sfu.NewUplink(id, func(packet []byte) error {
		if n.down.Load() {
			return errors.New("link down")
		}
		return n.relay.Ingest(id, packet)
	})
	n.mu.Lock()
	n.uplinks[id] = u
	n.mu.Unlock()
	return u
}

type reports struct{ got chan domain.SessionID }

func (r reports) ReportTransportError(_ context.Context, sid domain.SessionID) error {
	r.got <- sid
	return nil
}

type rig struct {
	net          *relayNet
	alice, bob   *Agent
	aliceReports reports
	est          map[domain.PlayerID]signaling.Established
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	n := &relayNet{uplinks: make(map[domain.PlayerID]*sfu.Uplink)}
	n.relay = sfu.NewRelay(ctx, n)

	cfg := Config{
		Router:    audio.RouterConfig{ConnectRadius: 6, DisconnectRadius: 10, DecodeFailureLimit: 5},
		JitterMin: 1,
		JitterMax: 8,
	}
	r := &rig{
		net:          n,
		alice:        NewAgent(ctx, "alice", n.uplink("alice"), audio.PCM16{}, cfg),
		bob:          NewAgent(ctx, "bob", n.uplink("bob"), audio.PCM16{}, cfg),
		aliceReports: reports{got: make(chan domain.SessionID, 4)},
	}
	r.alice.SetReporter(r.aliceReports)
	t.Cleanup(r.alice.Close)
	t.Cleanup(r.bob.Close)

	var key secure.SessionKey
	for i := range key {
		key[i] = byte(i)
	}
	r.est = map[domain.PlayerID]signaling.Established{
		"alice": {Pair: pairAB, Peer: "bob", SessionID: "s1", Key: key, RelayToken: "token-1", Initiator: true},
		"bob":   {Pair: pairAB, Peer: "alice", SessionID: "s1", Key: key, RelayToken: "token-1"},
	}
	if _, err := n.relay.Open(ctx, pairAB, r.est["alice"].Credentials()); err != nil {
		t.Fatalf("relay open: %v", err)
	}
	return r
}

func (r *rig) establish(t *testing.T) {
	t.Helper()
	r.alice.Hooks().OnEstablished(r.est["alice"])
	r.bob.Hooks().OnEstablished(r.est["bob"])
	testutil.Eventually(t, 2*time.Second, func() bool {
		return r.alice.Streams() == 1 && r.bob.Streams() == 1
	}, "media paths open")
}

func tone(amp float32) []float32 {
	f := make([]float32, audio.FrameSize)
	for i := range f {
		f[i] = amp * float32(math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return f
}

// hear captures on from once and waits for to to play something.
func hear(t *testing.T, from, to *Agent) []float32 {
	t.Helper()
	from.Capture(tone(0.5))
	var out []float32
	testutil.Eventually(t, 2*time.Second, func() bool {
		frame, talkers := to.Playback()
		if talkers == 0 {
			return false
		}
		out = frame
		return true
	}, "frame played")
	return out
}

func TestAgentsTalkThroughRelay(t *testing.T) {
	r := newRig(t)
	r.establish(t)

	if p := audio.Peak(hear(t, r.alice, r.bob)); p < 0.4 {
		t.Fatalf("bob heard peak %v, want about tanh(0.5)", p)
	}
	if p := audio.Peak(hear(t, r.bob, r.alice)); p < 0.4 {
		t.Fatalf("alice heard peak %v", p)
	}

	r.bob.SetDistance("alice", 8)
	near := audio.Peak(hear(t, r.alice, r.bob))
	if near <= 0 || near >= 0.4 {
		t.Fatalf("peak in the fade band = %v, want attenuated", near)
	}

	r.bob.SetDistance("alice", 12)
	if p := audio.Peak(hear(t, r.alice, r.bob)); p != 0 {
		t.Fatalf("peak beyond disconnect radius = %v, want 0", p)
	}
}

func TestMutedAgentSendsNothing(t *testing.T) {
	r := newRig(t)
	r.establish(t)

	r.alice.SetMuted(true)
	r.alice.Capture(tone(0.5))
	time.Sleep(50 * time.Millisecond)
	if _, talkers := r.bob.Playback(); talkers != 0 {
		t.Fatalf("muted player was heard")
	}
	if got := r.alice.Router().Stats().Sent; got != 0 {
		t.Fatalf("sent = %d, want 0", got)
	}
}

func TestClosedSessionStopsMedia(t *testing.T) {
	r := newRig(t)
	r.establish(t)

	r.bob.Hooks().OnClosed("alice", "s1")
	if r.bob.Streams() != 0 {
		t.Fatalf("bob still has a stream")
	}
	if peers := r.bob.Peers(); len(peers) != 0 {
		t.Fatalf("peers = %v", peers)
	}
	r.alice.Capture(tone(0.5))
	time.Sleep(50 * time.Millisecond)
	if _, talkers := r.bob.Playback(); talkers != 0 {
		t.Fatalf("closed session still plays")
	}
	// A second close is harmless.
	r.bob.Hooks().OnClosed("alice", "s1")
}

func TestBrokenLinkIsReported(t *testing.T) {
	r := newRig(t)
	r.establish(t)

	r.net.down.Store(true)
	r.alice.Capture(tone(0.5))
	if sid := testutil.RequireReceive(t, r.aliceReports.got, 2*time.Second, "transport error reported"); sid != "s1" {
		t.Fatalf("reported %s, want s1", sid)
	}
}
