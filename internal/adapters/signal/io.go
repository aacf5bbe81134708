package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/roguetalk/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case out, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(out.kind, out.data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(ctl.cfg.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cl *client) {
	defer func() {
		log.Info().Str("module", "signal").Str("player", string(cl.player)).Msg("readPump closing")
		if cl.session != nil {
			ctl.sigLimiter.Forget(string(cl.player))
			ctl.Engine.PlayerLeft(cl.session)
		}
		cl.conn.Close()
	}()

	extend := func() error {
		return cl.conn.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	}
	if err := extend(); err != nil {
		return
	}
	cl.conn.conn.SetPongHandler(func(string) error { return extend() })

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("player", string(cl.player)).Msg("readPump ctx done")
			return
		default:
			kind, data, err := cl.conn.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("player", string(cl.player)).Msg("readPump read error")
				}
				return
			}
			_ = extend()
			if kind == websocket.BinaryMessage {
				ctl.handleMedia(cl, data)
				continue
			}
			ctl.handleSignal(ctx, cl, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, cl *client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(cl.conn, "bad_json")
		return
	}

	switch env.Type {
	case "hello":
		ctl.handleHello(cl, data)
		return
	case "auth":
		ctl.handleAuth(ctx, cl, data)
		return
	case "ping":
		ctl.handlePing(cl.conn)
		return
	}

	if cl.session == nil {
		ctl.sendError(cl.conn, "not_authenticated")
		return
	}

	switch env.Type {
	case "whoami":
		ctl.handleWhoAmI(cl)
	case "position":
		ctl.handlePosition(cl, data)
	case "signal":
		ctl.handleSignaling(ctx, cl, data)
	case "mute":
		ctl.handleMute(cl, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(cl.conn, "unknown_type")
	}
}

func (ctl *SignalWSController) handleMedia(cl *client, data []byte) {
	if cl.session == nil || ctl.Media == nil {
		return
	}
	if err := ctl.Media.Ingest(cl.player, data); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("player", string(cl.player)).Msg("media packet dropped")
	}
}

func (ctl *SignalWSController) sendJSON(ps core.PlayerSession, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := ps.Signal().TrySend(b); errors.Is(err, ErrBackpressure) && ctl.Engine != nil {
		ctl.Engine.OnBackpressure(ps, false)
	}
}

func (ctl *SignalWSController) reply(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("reply marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string) {
	ctl.reply(c, map[string]any{
		"type":  "error",
		"error": code,
	})
}
