// Package voice is the player side of a proximity voice session. It turns
// sessions established by the signaling peer into open media paths and
// moves captured and received frames through the audio router.
package voice

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/roguetalk/internal/app/audio"
	"github.com/dkeye/roguetalk/internal/app/signaling"
	"github.com/dkeye/roguetalk/internal/clock"
	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/secure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const FramePeriod = 20 * time.Millisecond

// Transport is a media backend that also hands out RTP timestamps.
type Transport interface {
	core.Transport
	OnPacket(h core.Handle, fn func(ts uint32, payload []byte))
}

// Reporter tells the server a session's media path is dead.
type Reporter interface {
	ReportTransportError(ctx context.Context, sid domain.SessionID) error
}

// Describer accepts transport setup data from the other peer.
type Describer interface {
	HandleDescription(ctx context.Context, sid domain.SessionID, payload []byte) error
}

type Config struct {
	Router    audio.RouterConfig
	JitterMin int
	JitterMax int
}

type stream struct {
	est    signaling.Established
	handle core.Handle
	jitter *audio.JitterBuffer
}

type Agent struct {
	self      domain.PlayerID
	transport Transport
	router    *audio.Router
	cfg       Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	reporter Reporter
	streams  map[domain.SessionID]*stream
	distance map[domain.PlayerID]float64
}

func NewAgent(ctx context.Context, self domain.PlayerID, transport Transport, codec core.Codec, cfg Config) *Agent {
	ctx, cancel := context.WithCancel(ctx)
	a := &Agent{
		self:      self,
		transport: transport,
		router:    audio.NewRouter(codec, cfg.Router),
		cfg:       cfg,
		logger:    log.With().Str("module", "voice").Str("self", string(self)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		streams:   make(map[domain.SessionID]*stream),
		distance:  make(map[domain.PlayerID]float64),
	}
	a.router.OnTransportError(func(sid domain.SessionID) {
		a.lost(sid, domain.ErrCodec)
	})
	return a
}

// SetReporter installs where dead media paths are reported, usually the
// signaling peer whose hooks feed this agent.
func (a *Agent) SetReporter(r Reporter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reporter = r
}

// Hooks wires a signaling.Peer to this agent.
func (a *Agent) Hooks() signaling.PeerHooks {
	return signaling.PeerHooks{
		OnEstablished: a.established,
		OnClosed:      a.closed,
		OnDescription: a.description,
	}
}

func (a *Agent) Router() *audio.Router { return a.router }

// SetTuning applies new gain radii, silence gating and failure limits.
func (a *Agent) SetTuning(cfg audio.RouterConfig) { a.router.SetConfig(cfg) }

func (a *Agent) SetMuted(muted bool) { a.router.SetMuted(muted) }

// SetDistance records how far peer is. Unknown peers play at full volume.
func (a *Agent) SetDistance(peer domain.PlayerID, d float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.distance[peer] = d
}

// Streams is the number of sessions with an open media path.
func (a *Agent) Streams() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.streams {
		if s.handle != nil {
			n++
		}
	}
	return n
}

// Peers lists the players this agent currently has a session with.
func (a *Agent) Peers() []domain.PlayerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.PlayerID, 0, len(a.streams))
	for _, s := range a.streams {
		out = append(out, s.est.Peer)
	}
	return out
}

func (a *Agent) established(est signaling.Established) {
	a.mu.Lock()
	if _, dup := a.streams[est.SessionID]; dup {
		a.mu.Unlock()
		return
	}
	a.streams[est.SessionID] = &stream{est: est}
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.open(est)
	}()
}

func (a *Agent) open(est signaling.Established) {
	sid := est.SessionID
	logger := a.logger.With().Str("sid", string(sid)).Str("peer", string(est.Peer)).Logger()

	cipher, err := secure.NewFrameCipher(est.Key, a.self, est.Peer)
	if err != nil {
		logger.Error().Err(err).Msg("frame cipher")
		a.lost(sid, err)
		return
	}
	h, err := a.transport.Open(a.ctx, est.Pair, est.Credentials())
	if err != nil {
		logger.Warn().Err(err).Msg("media open failed")
		a.lost(sid, err)
		return
	}

	jb := audio.NewJitterBuffer(a.cfg.JitterMin, a.cfg.JitterMax)
	a.router.AddSession(sid, cipher)
	a.transport.OnPacket(h, func(ts uint32, payload []byte) {
		jb.Push(audio.Packet{Timestamp: ts, Payload: payload})
	})

	a.mu.Lock()
	s, live := a.streams[sid]
	if live {
		s.handle = h
		s.jitter = jb
	}
	a.mu.Unlock()
	if !live {
		// Closed while the transport was opening.
		a.router.RemoveSession(sid)
		_ = a.transport.Close(h)
		return
	}
	a.transport.OnError(h, func(err error) { a.lost(sid, err) })
	logger.Info().Msg("media path open")
}

func (a *Agent) closed(peer domain.PlayerID, sid domain.SessionID) {
	a.mu.Lock()
	s, ok := a.streams[sid]
	delete(a.streams, sid)
	a.mu.Unlock()
	if !ok {
		return
	}
	a.router.RemoveSession(sid)
	if s.handle != nil {
		if err := a.transport.Close(s.handle); err != nil {
			a.logger.Debug().Str("sid", string(sid)).Err(err).Msg("media close")
		}
	}
	a.logger.Info().Str("sid", string(sid)).Str("peer", string(peer)).Msg("voice session closed")
}

func (a *Agent) description(peer domain.PlayerID, sid domain.SessionID, payload []byte) {
	d, ok := a.transport.(Describer)
	if !ok {
		a.logger.Debug().Str("sid", string(sid)).Msg("transport takes no descriptions")
		return
	}
	if err := d.HandleDescription(a.ctx, sid, payload); err != nil {
		a.logger.Warn().Str("sid", string(sid)).Str("peer", string(peer)).Err(err).Msg("description rejected")
	}
}

// lost reports sid's media path as dead. The server answers with a close,
// which comes back through the OnClosed hook.
func (a *Agent) lost(sid domain.SessionID, cause error) {
	a.mu.Lock()
	r := a.reporter
	a.mu.Unlock()
	a.logger.Warn().Str("sid", string(sid)).Err(cause).Msg("media path lost")
	if r == nil {
		return
	}
	if err := r.ReportTransportError(context.WithoutCancel(a.ctx), sid); err != nil {
		a.logger.Debug().Str("sid", string(sid)).Err(err).Msg("transport error not reported")
	}
}

func (a *Agent) ready() []*stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*stream, 0, len(a.streams))
	for _, s := range a.streams {
		if s.handle != nil {
			out = append(out, s)
		}
	}
	return out
}

// Capture sends one captured frame to every open session.
func (a *Agent) Capture(frame []float32) {
	for _, s := range a.ready() {
		data, ok := a.router.PrepareSend(s.est.SessionID, frame)
		if !ok {
			continue
		}
		if err := a.transport.Send(s.handle, data); err != nil {
			a.logger.Debug().Str("sid", string(s.est.SessionID)).Err(err).Msg("send")
		}
	}
}

// Playback pulls one frame from every session's jitter buffer, applies
// distance gain and mixes them. talkers is how many frames went in.
func (a *Agent) Playback() (mixed []float32, talkers int) {
	var frames [][]float32
	for _, s := range a.ready() {
		pkt, ok := s.jitter.Pop()
		if !ok {
			continue
		}
		a.mu.Lock()
		d := a.distance[s.est.Peer]
		a.mu.Unlock()
		if pcm, ok := a.router.Route(s.est.SessionID, d, pkt.Payload); ok {
			frames = append(frames, pcm)
		}
	}
	return audio.Mix(frames), len(frames)
}

// Run captures from source and plays into sink once per frame period until
// ctx ends.
func (a *Agent) Run(ctx context.Context, clk clock.Clock, source func() []float32, sink func(frame []float32, talkers int)) error {
	ticker := clk.NewTicker(FramePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.ctx.Done():
			return nil
		case <-ticker.C:
			a.Capture(source())
			if sink != nil {
				sink(a.Playback())
			}
		}
	}
}

// Close drops every session and waits for pending opens.
func (a *Agent) Close() {
	a.cancel()
	a.wg.Wait()
	a.mu.Lock()
	streams := a.streams
	a.streams = make(map[domain.SessionID]*stream)
	a.mu.Unlock()
	for sid, s := range streams {
		a.router.RemoveSession(sid)
		if s.handle != nil {
			_ = a.transport.Close(s.handle)
		}
	}
}
