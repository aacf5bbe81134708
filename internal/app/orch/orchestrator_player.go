package orch

import (
	"github.com/dkeye/roguetalk/internal/app"
	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

// PlayerJoined registers ps in the lobby. A previous connection for the
// same player is kicked.
func (o *Orchestrator) PlayerJoined(ps core.PlayerSession) {
	if old := o.Lobby.Add(ps); old != nil {
		log.Info().Str("module", "orch").Str("player", string(ps.ID())).Msg("replacing previous connection")
		old.Signal().Close()
	}
	log.Info().Str("module", "orch").Str("player", string(ps.ID())).Str("name", ps.Name()).Msg("player joined")
}

// PlayerLeft forgets ps and closes every session it was part of, unless a
// newer connection for the same player has already replaced it.
func (o *Orchestrator) PlayerLeft(ps core.PlayerSession) {
	if !o.Lobby.Remove(ps) {
		return
	}
	o.playerGone(ps.ID())
}

func (o *Orchestrator) playerGone(id domain.PlayerID) {
	o.Positions.Remove(id)
	cmds := o.Registry.MarkPeerDisconnected(id)
	log.Info().Str("module", "orch").Str("player", string(id)).Int("sessions", len(cmds)).Msg("player left")
	o.dispatch(cmds)
}

// PublishPosition queues a position report for the next tick.
func (o *Orchestrator) PublishPosition(u domain.PositionUpdate) error {
	return o.Positions.Publish(u)
}

// Kick closes the player's connection. Its read loop ends and reports the
// player as gone.
func (o *Orchestrator) Kick(ps core.PlayerSession) {
	log.Warn().Str("module", "orch").Str("player", string(ps.ID())).Msg("kicking player")
	ps.Signal().Close()
	if o.Lobby.Remove(ps) {
		o.playerGone(ps.ID())
	}
}

// OnBackpressure applies the policy to a player whose outbound queue is full.
func (o *Orchestrator) OnBackpressure(ps core.PlayerSession, critical bool) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(ps, critical) {
	case app.KickPlayer:
		o.Kick(ps)
	case app.DropFrame, app.NoAction:
	}
}
