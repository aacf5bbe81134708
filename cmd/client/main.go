package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/roguetalk/internal/adapters/rtc"
	ws "github.com/dkeye/roguetalk/internal/adapters/signal"
	"github.com/dkeye/roguetalk/internal/app/audio"
	"github.com/dkeye/roguetalk/internal/app/sfu"
	"github.com/dkeye/roguetalk/internal/app/signaling"
	"github.com/dkeye/roguetalk/internal/app/voice"
	"github.com/dkeye/roguetalk/internal/clock"
	"github.com/dkeye/roguetalk/internal/config"
	"github.com/dkeye/roguetalk/internal/domain"
)

var errLinkClosed = errors.New("control link closed")

// descriptionSender lets the peer transport reach a signaling peer that is
// created after it.
type descriptionSender func(ctx context.Context, sid domain.SessionID, payload []byte) error

func (f descriptionSender) SendDescription(ctx context.Context, sid domain.SessionID, payload []byte) error {
	return f(ctx, sid, payload)
}

func routerConfig(v config.Voice) audio.RouterConfig {
	return audio.RouterConfig{
		ConnectRadius:      v.ConnectRadius,
		DisconnectRadius:   v.DisconnectRadius,
		SilenceThreshold:   v.SilenceThreshold,
		SilenceDebounce:    v.SilenceDebounce,
		DecodeFailureLimit: v.DecodeFailureLimit,
	}
}

func wsConfig(c config.WS) ws.Config {
	cfg := ws.DefaultConfig()
	cfg.SendBuffer = c.SendBuffer
	cfg.WriteWait = c.WriteWait
	cfg.PongWait = c.PongWait
	cfg.MaxMessageSize = c.MaxMessageSize
	return cfg
}

func rtcConfig(c config.RTC) rtc.Config {
	cfg := rtc.DefaultConfig()
	cfg.ICEServers = c.ICEServers
	if c.FailedTimeout > 0 {
		cfg.FailedTimeout = c.FailedTimeout
	}
	return cfg
}

// toneSource returns a generator of consecutive sine frames.
func toneSource(freq float64, amp float32) func() []float32 {
	var n int
	return func() []float32 {
		f := make([]float32, audio.FrameSize)
		for i := range f {
			f[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(n+i)/audio.SampleRate))
		}
		n += audio.FrameSize
		return f
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("roguetalk-client", pflag.ExitOnError)
	config.Flags(fs)
	server := fs.String("server", "http://localhost:8080", "server base URL")
	player := fs.String("player", "", "player id")
	name := fs.String("name", "", "display name (default: player id)")
	keyPath := fs.String("key", "", "identity key file (default: <player>.key)")
	doRegister := fs.Bool("register", true, "register the identity key before connecting")
	transport := fs.String("transport", "relay", "media path: relay or p2p")
	x := fs.Float64("x", 0, "start x")
	y := fs.Float64("y", 0, "start y")
	level := fs.String("level", "d1", "level name")
	walk := fs.Float64("walk", 0, "walking speed along x, units per second")
	freq := fs.Float64("tone", 440, "tone frequency in Hz")
	muted := fs.Bool("muted", false, "start muted")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	id, err := domain.ParsePlayerID(*player)
	if err != nil {
		log.Fatal().Err(err).Msg("--player is required")
	}
	if *name == "" {
		*name = string(id)
	}
	if *keyPath == "" {
		*keyPath = string(id) + ".key"
	}
	priv, err := loadKey(*keyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("identity key")
	}
	base := strings.TrimRight(*server, "/")
	if *doRegister {
		if err := register(ctx, base, id, *name, priv.Public().(ed25519.PublicKey)); err != nil {
			log.Fatal().Err(err).Msg("identity registration failed")
		}
	}

	var (
		link   *ws.PlayerLink
		peer   *signaling.Peer
		uplink *sfu.Uplink
		media  voice.Transport
	)
	switch *transport {
	case "relay":
		uplink = sfu.NewUplink(id, func(packet []byte) error { return link.SendMedia(packet) })
		media = uplink
	case "p2p":
		pt, err := rtc.NewPeerTransport(id, rtcConfig(cfg.RTC), descriptionSender(func(ctx context.Context, sid domain.SessionID, payload []byte) error {
			return peer.SendDescription(ctx, sid, payload)
		}))
		if err != nil {
			log.Fatal().Err(err).Msg("webrtc setup")
		}
		media = pt
	default:
		log.Fatal().Str("transport", *transport).Msg("unknown transport")
	}

	agent := voice.NewAgent(ctx, id, media, audio.PCM16{}, voice.Config{
		Router:    routerConfig(cfg.Voice),
		JitterMin: cfg.Voice.JitterMin,
		JitterMax: cfg.Voice.JitterMax,
	})
	defer agent.Close()
	cfg.Watch(func(v config.Voice) { agent.SetTuning(routerConfig(v)) })

	inbox := make(chan domain.SignalingMessage, 256)
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/api/ws/signal"
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	link, err = ws.DialPlayer(dialCtx, wsURL, id, *name, priv, wsConfig(cfg.WS), ws.PlayerHandlers{
		OnSignal: func(msg domain.SignalingMessage) {
			select {
			case inbox <- msg:
			default:
				log.Warn().Str("module", "client").Str("kind", string(msg.Kind)).Msg("signaling inbox full, dropping")
			}
		},
		OnNotice: func(text string) {
			log.Info().Str("module", "client").Str("notice", text).Msg("server notice")
		},
		OnMedia: func(packet []byte) {
			if uplink == nil {
				return
			}
			if err := uplink.Deliver(packet); err != nil {
				log.Debug().Str("module", "client").Err(err).Msg("media packet dropped")
			}
		},
	})
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	defer link.Close()

	peer = signaling.NewPeer(id, priv, link, agent.Hooks())
	agent.SetReporter(peer)
	if *muted {
		agent.SetMuted(true)
		_ = link.SetMuted(true)
	}

	w := &walker{pos: domain.Position{X: *x, Y: *y, Level: *level}, speed: *walk}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-inbox:
				if err := peer.Handle(gctx, msg); err != nil {
					log.Debug().Str("module", "client").Str("kind", string(msg.Kind)).Err(err).Msg("signaling message dropped")
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-link.Done():
			return errLinkClosed
		}
	})
	g.Go(func() error { return w.run(gctx, link, 100*time.Millisecond) })
	g.Go(func() error { return trackDistances(gctx, base, w, agent, time.Second) })
	g.Go(func() error {
		var heard, frames int
		report := time.Now()
		return agent.Run(gctx, clock.Real(), toneSource(*freq, 0.3), func(frame []float32, talkers int) {
			frames++
			if talkers > 0 {
				heard++
			}
			if time.Since(report) >= 5*time.Second {
				log.Info().
					Str("module", "client").
					Int("sessions", agent.Streams()).
					Int("frames_heard", heard).
					Int("frames", frames).
					Float32("last_peak", audio.Peak(frame)).
					Msg("voice stats")
				report = time.Now()
				heard, frames = 0, 0
			}
		})
	})

	log.Info().Str("module", "client").Str("player", string(id)).Str("transport", *transport).Msg("RogueTalk client running")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("client stopped")
	}
	log.Info().Msg("Client exited")
}
