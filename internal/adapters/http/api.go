package http

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"net/http"
	"sort"

	"github.com/dkeye/roguetalk/internal/adapters/store"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	deps Deps
}

func (h *handlers) health(c *gin.Context) {
	o := h.deps.Engine
	body := gin.H{
		"status":   "ok",
		"players":  o.Lobby.Count(),
		"sessions": len(o.Registry.Snapshot()),
		"ticks":    o.Ticks(),
		"rejected": o.Positions.Rejected(),
	}
	if h.deps.Relay != nil {
		body["relay_routes"] = h.deps.Relay.Routes()
		body["relay_dropped"] = h.deps.Relay.Dropped()
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) sessions(c *gin.Context) {
	list := h.deps.Engine.Registry.Snapshot()
	if state := c.Query("state"); state != "" {
		kept := list[:0]
		for _, s := range list {
			if s.State.String() == state {
				kept = append(kept, s)
			}
		}
		list = kept
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list})
}

type playerView struct {
	ID       domain.PlayerID  `json:"id"`
	Name     string           `json:"name"`
	Position *domain.Position `json:"position,omitempty"`
}

func (h *handlers) players(c *gin.Context) {
	o := h.deps.Engine
	dto := o.Lobby.Snapshot()
	out := make([]playerView, 0, len(dto))
	for _, p := range dto {
		v := playerView{ID: p.ID, Name: p.Name}
		if pos, ok := o.Position(p.ID); ok {
			v.Position = &pos
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{"players": out})
}

func (h *handlers) edges(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"edges": h.deps.Engine.Edges()})
}

func (h *handlers) tuning(c *gin.Context) {
	t := h.deps.Engine.Tuning()
	c.JSON(http.StatusOK, gin.H{
		"connect_radius":    t.ConnectRadius,
		"disconnect_radius": t.DisconnectRadius,
		"tick_period":       t.TickPeriod.String(),
		"teardown_timeout":  t.TeardownTimeout.String(),
		"world_bound":       t.WorldBound,
		"max_retries":       t.Registry.MaxRetries,
		"retry_backoff":     t.Registry.RetryBackoff.String(),
	})
}

func (h *handlers) listIdentities(c *gin.Context) {
	list, err := h.deps.Identities.List(c.Request.Context())
	if err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("list identities")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identities": list})
}

type registerRequest struct {
	Player    string `json:"player" binding:"required"`
	Name      string `json:"name"`
	PublicKey []byte `json:"public_key" binding:"required"`
}

// registerIdentity binds a public key to a player id on first use. A
// different key for a known id is refused; the same key is accepted again
// so clients can register unconditionally on start.
func (h *handlers) registerIdentity(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	id, err := domain.ParsePlayerID(req.Player)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_player"})
		return
	}
	if len(req.PublicKey) != ed25519.PublicKeySize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_key"})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.deps.Identities.PublicKey(ctx, id)
	switch {
	case err == nil && !bytes.Equal(existing, req.PublicKey):
		c.JSON(http.StatusConflict, gin.H{"error": "player_taken"})
		return
	case err != nil && !errors.Is(err, store.ErrNotFound):
		log.Error().Str("module", "adapters.http").Err(err).Msg("lookup identity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	if err := h.deps.Identities.Register(ctx, id, req.Name, ed25519.PublicKey(req.PublicKey)); err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("register identity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	session := sessions.Default(c)
	session.Set("player", string(id))
	if err := session.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("session save failed")
	}
	log.Info().Str("module", "adapters.http").Str("player", string(id)).Str("ct", c.GetString("client_token")).Msg("identity registered")
	c.JSON(http.StatusCreated, gin.H{"player": id})
}
