package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/roguetalk/internal/adapters/http"
	ws "github.com/dkeye/roguetalk/internal/adapters/signal"
	"github.com/dkeye/roguetalk/internal/adapters/store"
	"github.com/dkeye/roguetalk/internal/app"
	"github.com/dkeye/roguetalk/internal/app/orch"
	"github.com/dkeye/roguetalk/internal/app/sfu"
	"github.com/dkeye/roguetalk/internal/app/signaling"
	"github.com/dkeye/roguetalk/internal/clock"
	"github.com/dkeye/roguetalk/internal/config"
	"github.com/dkeye/roguetalk/internal/core"
)

func engineConfig(v config.Voice) orch.Config {
	return orch.Config{
		ConnectRadius:    v.ConnectRadius,
		DisconnectRadius: v.DisconnectRadius,
		TickPeriod:       v.TickPeriod,
		TeardownTimeout:  v.TeardownTimeout,
		WorldBound:       v.WorldBound,
		Registry: app.RegistryConfig{
			MaxRetries:   v.MaxRetries,
			RetryBackoff: v.RetryBackoff,
		},
	}
}

func wsConfig(c config.WS) ws.Config {
	return ws.Config{
		SendBuffer:     c.SendBuffer,
		WriteWait:      c.WriteWait,
		PongWait:       c.PongWait,
		PingInterval:   c.PingInterval,
		MaxMessageSize: c.MaxMessageSize,
		AuthLimit:      c.AuthLimit,
		AuthWindow:     c.AuthWindow,
		SignalLimit:    c.SignalLimit,
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("roguetalk-server", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	dir, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open identity directory")
	}
	defer dir.Close()

	clk := clock.Real()
	lobby := core.NewLobby()
	ctl := ws.NewSignalWSController(lobby, dir, clk, wsConfig(cfg.WS))
	channel := signaling.NewChannel(ctl, dir, clk, cfg.Voice.NegotiationTimeout)
	relay := sfu.NewRelay(ctx, ctl)

	engine := orch.New(ctx, engineConfig(cfg.Voice), orch.Deps{
		Clock:     clk,
		Lobby:     lobby,
		Signaling: channel,
		Media:     relay,
		Notifier:  ctl,
		Policy:    app.SimplePolicy{},
	})
	ctl.Bind(engine, channel, relay)
	channel.OnLinkLost(engine.LinkLost)

	cfg.Watch(func(v config.Voice) {
		engine.SetTuning(engineConfig(v))
		channel.SetTimeout(v.NegotiationTimeout)
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Signal:     ctl,
		Engine:     engine,
		Relay:      relay,
		Identities: dir,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("RogueTalk server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("Server exited gracefully")
}
