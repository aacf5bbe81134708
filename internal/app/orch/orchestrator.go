// Package orch ties the engine together. Each tick it drains position
// reports, recomputes the proximity graph, asks the registry what changed
// and dispatches the resulting OPEN and CLOSE commands to the signaling
// channel and the media transport.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/roguetalk/internal/app"
	"github.com/dkeye/roguetalk/internal/clock"
	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/proximity"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Negotiator is the server side of the handshake.
type Negotiator interface {
	Negotiate(ctx context.Context, pair domain.Pair, sid domain.SessionID) (domain.Credentials, error)
	Activate(ctx context.Context, pair domain.Pair, creds domain.Credentials) error
	Teardown(ctx context.Context, pair domain.Pair, sid domain.SessionID) error
}

type Config struct {
	ConnectRadius    float64
	DisconnectRadius float64
	TickPeriod       time.Duration
	TeardownTimeout  time.Duration
	// WorldBound limits each coordinate. Zero means no limit beyond
	// domain.MaxCoordinate.
	WorldBound float64
	Registry   app.RegistryConfig
}

type Deps struct {
	Clock     clock.Clock
	Lobby     core.Lobby
	Signaling Negotiator
	Media     core.Transport
	Notifier  core.Notifier
	Policy    app.Policy
}

type Orchestrator struct {
	Lobby     core.Lobby
	Positions *app.PositionStream
	Registry  *app.Registry
	Signaling Negotiator
	Media     core.Transport
	Notifier  core.Notifier
	Policy    app.Policy
	Clock     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cfg     Config
	graph   proximity.Graph
	world   map[domain.PlayerID]domain.Position
	edges   proximity.EdgeSet
	audible []domain.ProximityEdge
	ticks   uint64

	flight  singleflight.Group
	tasksMu sync.Mutex
	tasks   map[domain.SessionID]context.CancelFunc
	handles map[domain.SessionID]core.Handle
	wg      sync.WaitGroup
}

// New builds an orchestrator whose background work stops when ctx ends.
func New(ctx context.Context, cfg Config, deps Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(ctx)
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	positions := app.NewPositionStream()
	positions.SetBound(cfg.WorldBound)
	return &Orchestrator{
		Lobby:     deps.Lobby,
		Positions: positions,
		Registry:  app.NewRegistry(cfg.Registry, clk),
		Signaling: deps.Signaling,
		Media:     deps.Media,
		Notifier:  deps.Notifier,
		Policy:    deps.Policy,
		Clock:     clk,
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		graph:     proximity.Graph{ConnectRadius: cfg.ConnectRadius, DisconnectRadius: cfg.DisconnectRadius},
		world:     make(map[domain.PlayerID]domain.Position),
		tasks:     make(map[domain.SessionID]context.CancelFunc),
		handles:   make(map[domain.SessionID]core.Handle),
	}
}

// SetTuning applies hot reloaded radii and retry settings. The tick period
// takes effect on the next tick.
func (o *Orchestrator) SetTuning(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.graph = proximity.Graph{ConnectRadius: cfg.ConnectRadius, DisconnectRadius: cfg.DisconnectRadius}
	o.mu.Unlock()
	o.Positions.SetBound(cfg.WorldBound)
	o.Registry.SetConfig(cfg.Registry)
	log.Info().
		Str("module", "orch").
		Float64("connect_radius", cfg.ConnectRadius).
		Float64("disconnect_radius", cfg.DisconnectRadius).
		Float64("world_bound", cfg.WorldBound).
		Int("max_retries", cfg.Registry.MaxRetries).
		Msg("tuning updated")
}

// Tick runs one pass of the engine and returns the commands it dispatched.
func (o *Orchestrator) Tick() []app.Command {
	updates, removed := o.Positions.Drain()

	o.mu.Lock()
	o.ticks++
	for _, u := range updates {
		o.world[u.Player] = u.Position
	}
	for _, id := range removed {
		delete(o.world, id)
	}
	res := o.graph.Recompute(o.world, o.edges)
	o.edges = res.Set
	o.audible = res.Edges
	tick := o.ticks
	o.mu.Unlock()

	for _, ch := range res.Changes {
		log.Debug().
			Str("module", "orch").
			Uint64("tick", tick).
			Str("pair", ch.Pair.Key()).
			Float64("distance", ch.Distance).
			Bool("audible", ch.Audible).
			Msg("proximity changed")
	}

	cmds := o.Registry.Reconcile(res.Edges)
	o.dispatch(cmds)
	return cmds
}

// Run ticks until ctx ends, then waits for in-flight work to settle.
func (o *Orchestrator) Run(ctx context.Context) error {
	period := o.tickPeriod()
	ticker := o.Clock.NewTicker(period)
	defer func() { ticker.Stop() }()

	log.Info().Str("module", "orch").Dur("tick", period).Msg("engine running")
	for {
		select {
		case <-ctx.Done():
			o.Shutdown()
			return nil
		case <-o.ctx.Done():
			o.wg.Wait()
			return nil
		case <-ticker.C:
			o.Tick()
			if p := o.tickPeriod(); p != period {
				ticker.Stop()
				period = p
				ticker = o.Clock.NewTicker(period)
			}
		}
	}
}

// Shutdown cancels every in-flight handshake and waits for dispatched work.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) tickPeriod() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.TickPeriod <= 0 {
		return 50 * time.Millisecond
	}
	return o.cfg.TickPeriod
}

func (o *Orchestrator) teardownTimeout() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.TeardownTimeout <= 0 {
		return 2 * time.Second
	}
	return o.cfg.TeardownTimeout
}

// Tuning returns the settings currently in effect.
func (o *Orchestrator) Tuning() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Ticks is the number of completed ticks.
func (o *Orchestrator) Ticks() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks
}

// Edges returns the audible edges of the last tick.
func (o *Orchestrator) Edges() []domain.ProximityEdge {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.ProximityEdge(nil), o.audible...)
}

// Position returns the last position the engine used for id.
func (o *Orchestrator) Position(id domain.PlayerID) (domain.Position, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.world[id]
	return p, ok
}

// Wait blocks until every dispatched command has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }
