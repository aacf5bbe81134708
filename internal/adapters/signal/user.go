package signal

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/secure"
	"github.com/rs/zerolog/log"
)

const maxNameLen = 36

type challenge struct {
	player domain.PlayerID
	name   string
	nonce  []byte
}

// client is the per-connection state owned by its read loop.
type client struct {
	conn    *WsSignalConn
	remote  string
	pending *challenge
	player  domain.PlayerID
	session core.PlayerSession
}

func (ctl *SignalWSController) handleHello(cl *client, data []byte) {
	if cl.session != nil {
		ctl.sendError(cl.conn, "already_authenticated")
		return
	}
	if !ctl.authLimiter.Allow(cl.remote) {
		log.Warn().Str("module", "signal").Str("remote", cl.remote).Msg("hello rate limited")
		ctl.sendError(cl.conn, "rate_limited")
		return
	}

	var p struct {
		Type   string `json:"type"`
		Player string `json:"player"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad hello payload")
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	id, err := domain.ParsePlayerID(p.Player)
	if err != nil {
		ctl.sendError(cl.conn, "invalid_player")
		return
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = string(id)
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}

	nonce, err := secure.NewNonce()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("nonce")
		ctl.sendError(cl.conn, "internal")
		return
	}
	cl.pending = &challenge{player: id, name: name, nonce: nonce}
	ctl.reply(cl.conn, struct {
		Type  string `json:"type"`
		Nonce []byte `json:"nonce"`
	}{Type: "challenge", Nonce: nonce})
}

func (ctl *SignalWSController) handleAuth(ctx context.Context, cl *client, data []byte) {
	pending := cl.pending
	cl.pending = nil
	if pending == nil {
		ctl.sendError(cl.conn, "no_challenge")
		return
	}

	var p struct {
		Type string `json:"type"`
		Sig  []byte `json:"sig"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	pub, err := ctl.Directory.PublicKey(ctx, pending.player)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("player", string(pending.player)).Msg("unknown player")
		ctl.sendError(cl.conn, "unknown_player")
		return
	}
	if !secure.VerifyChallenge(pub, pending.nonce, string(pending.player), p.Sig) {
		log.Warn().Str("module", "signal").Str("player", string(pending.player)).Str("remote", cl.remote).Msg("bad signature")
		ctl.sendError(cl.conn, "bad_signature")
		return
	}

	cl.player = pending.player
	cl.session = core.NewPlayerSession(pending.player, pending.name, cl.conn)
	ctl.Engine.PlayerJoined(cl.session)
	log.Info().Str("module", "signal").Str("player", string(cl.player)).Str("name", pending.name).Msg("authenticated")

	ctl.reply(cl.conn, struct {
		Type   string          `json:"type"`
		Player domain.PlayerID `json:"player"`
		Name   string          `json:"name"`
	}{Type: "welcome", Player: cl.player, Name: pending.name})
}

func (ctl *SignalWSController) handleWhoAmI(cl *client) {
	ctl.sendJSON(cl.session, struct {
		Type    string          `json:"type"`
		Player  domain.PlayerID `json:"player"`
		Name    string          `json:"name"`
		Players int             `json:"players"`
	}{
		Type:    "whoami",
		Player:  cl.player,
		Name:    cl.session.Name(),
		Players: ctl.Lobby.Count(),
	})
}
