package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.reply(conn, resp)
}

func (ctl *SignalWSController) handlePosition(cl *client, data []byte) {
	var p struct {
		Type string `json:"type"`
		domain.Position
		Tick uint64 `json:"tick"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	err := ctl.Engine.PublishPosition(domain.PositionUpdate{Player: cl.player, Position: p.Position, Tick: p.Tick})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStalePosition):
		log.Debug().Err(err).Str("module", "signal").Msg("stale position")
	default:
		ctl.sendError(cl.conn, "invalid_position")
	}
}

func (ctl *SignalWSController) handleSignaling(ctx context.Context, cl *client, data []byte) {
	if !ctl.sigLimiter.Allow(string(cl.player)) {
		ctl.sendError(cl.conn, "rate_limited")
		return
	}
	var env signalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	if err := ctl.Signaling.Deliver(ctx, cl.player, env.Msg); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("player", string(cl.player)).Str("kind", string(env.Msg.Kind)).Msg("signaling message not delivered")
	}
}

func (ctl *SignalWSController) handleMute(cl *client, data []byte) {
	var p struct {
		Type  string `json:"type"`
		Muted bool   `json:"muted"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	if ctl.Media != nil {
		ctl.Media.SetMuted(cl.player, p.Muted)
	}
	log.Info().Str("module", "signal").Str("player", string(cl.player)).Bool("muted", p.Muted).Msg("mute")
}
