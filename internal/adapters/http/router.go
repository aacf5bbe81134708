package http

import (
	"context"

	"github.com/dkeye/roguetalk/internal/adapters/signal"
	"github.com/dkeye/roguetalk/internal/adapters/store"
	"github.com/dkeye/roguetalk/internal/app/orch"
	"github.com/dkeye/roguetalk/internal/app/sfu"
	"github.com/dkeye/roguetalk/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Signal     *signal.SignalWSController
	Engine     *orch.Orchestrator
	Relay      *sfu.Relay
	Identities *store.Directory
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookies := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RogueTalkSessions", cookies))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")

	h := &handlers{deps: deps}
	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws signal endpoint hit")
		deps.Signal.HandleSignal(ctx, c)
	})
	api.GET("/health", h.health)
	api.GET("/sessions", h.sessions)
	api.GET("/players", h.players)
	api.GET("/edges", h.edges)
	api.GET("/config", h.tuning)
	api.GET("/identities", h.listIdentities)
	api.POST("/identities", h.registerIdentity)

	return r
}
