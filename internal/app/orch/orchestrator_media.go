package orch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dkeye/roguetalk/internal/app"
	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

const touchEvery = time.Second

// Dispatch runs cmds in the background. Duplicate OPENs for a session that
// is already being opened join the running attempt.
func (o *Orchestrator) Dispatch(cmds []app.Command) { o.dispatch(cmds) }

func (o *Orchestrator) dispatch(cmds []app.Command) {
	for _, cmd := range cmds {
		switch cmd.Kind {
		case app.CommandOpen:
			o.startOpen(cmd)
		case app.CommandClose:
			o.startClose(cmd)
		}
	}
}

func (o *Orchestrator) startOpen(cmd app.Command) {
	ctx, cancel := context.WithCancel(o.ctx)
	o.tasksMu.Lock()
	if _, running := o.tasks[cmd.SessionID]; !running {
		o.tasks[cmd.SessionID] = cancel
	}
	o.tasksMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		key := cmd.Pair.Key() + "/" + string(cmd.SessionID)
		_, err, shared := o.flight.Do(key, func() (any, error) {
			defer o.finishTask(cmd.SessionID)
			return nil, o.open(ctx, cmd)
		})
		if shared {
			log.Debug().Str("module", "orch").Str("sid", string(cmd.SessionID)).Err(err).Msg("joined running open")
		}
	}()
}

func (o *Orchestrator) finishTask(sid domain.SessionID) {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()
	if cancel, ok := o.tasks[sid]; ok {
		cancel()
		delete(o.tasks, sid)
	}
}

func (o *Orchestrator) open(ctx context.Context, cmd app.Command) error {
	pair, sid := cmd.Pair, cmd.SessionID
	logger := log.With().Str("module", "orch").Str("pair", pair.Key()).Str("sid", string(sid)).Logger()

	creds, err := o.Signaling.Negotiate(ctx, pair, sid)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug().Err(err).Msg("open cancelled")
			return err
		}
		o.Registry.MarkFailed(pair, sid, err)
		return err
	}

	h, err := o.Media.Open(ctx, pair, creds)
	if err != nil {
		logger.Warn().Err(err).Msg("media open failed")
		o.Registry.MarkFailed(pair, sid, err)
		o.teardown(pair, sid)
		return err
	}

	var lastTouch atomic.Int64
	o.Media.OnReceive(h, func([]byte) {
		now := o.Clock.Now().UnixNano()
		if prev := lastTouch.Load(); now-prev >= int64(touchEvery) && lastTouch.CompareAndSwap(prev, now) {
			o.Registry.Touch(pair, sid)
		}
	})
	o.Media.OnError(h, func(err error) { o.LinkLost(pair, sid, err) })

	o.tasksMu.Lock()
	o.handles[sid] = h
	o.tasksMu.Unlock()

	if !o.Registry.MarkEstablished(pair, sid, creds) {
		logger.Info().Msg("session superseded before it was established")
		o.closeHandle(sid)
		o.teardown(pair, sid)
		return domain.ErrSessionAborted
	}
	if err := o.Signaling.Activate(ctx, pair, creds); err != nil {
		logger.Warn().Err(err).Msg("activate failed")
		o.LinkLost(pair, sid, err)
		return err
	}
	logger.Info().Msg("voice session established")
	return nil
}

func (o *Orchestrator) startClose(cmd app.Command) {
	o.tasksMu.Lock()
	if cancel, ok := o.tasks[cmd.SessionID]; ok {
		cancel()
	}
	o.tasksMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.teardown(cmd.Pair, cmd.SessionID)
		o.closeHandle(cmd.SessionID)
		o.Registry.MarkTeardownComplete(cmd.Pair, cmd.SessionID)
		log.Info().Str("module", "orch").Str("pair", cmd.Pair.Key()).Str("sid", string(cmd.SessionID)).Msg("voice session closed")
	}()
}

func (o *Orchestrator) teardown(pair domain.Pair, sid domain.SessionID) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.teardownTimeout())
	defer cancel()
	if err := o.Signaling.Teardown(ctx, pair, sid); err != nil {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Err(err).Msg("teardown")
	}
}

func (o *Orchestrator) closeHandle(sid domain.SessionID) {
	o.tasksMu.Lock()
	h, ok := o.handles[sid]
	delete(o.handles, sid)
	o.tasksMu.Unlock()
	if !ok {
		return
	}
	if err := o.Media.Close(h); err != nil {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Err(err).Msg("media close")
	}
}

// LinkLost reports that an established session's media path died. Both
// players are told and the session is torn down; the next tick reopens it
// if they are still in range.
func (o *Orchestrator) LinkLost(pair domain.Pair, sid domain.SessionID, cause error) {
	cmds := o.Registry.MarkTransportError(pair, sid)
	if len(cmds) == 0 {
		return
	}
	log.Warn().Str("module", "orch").Str("pair", pair.Key()).Str("sid", string(sid)).Err(cause).Msg("voice link lost")
	if o.Notifier != nil {
		o.Notifier.Notify(pair.A, "voice link to "+o.displayName(pair.B)+" lost")
		o.Notifier.Notify(pair.B, "voice link to "+o.displayName(pair.A)+" lost")
	}
	o.dispatch(cmds)
}

func (o *Orchestrator) displayName(id domain.PlayerID) string {
	if o.Lobby != nil {
		if ps, ok := o.Lobby.Get(id); ok && ps.Name() != "" {
			return ps.Name()
		}
	}
	return string(id)
}

// Handle returns the open media handle for sid, if any.
func (o *Orchestrator) Handle(sid domain.SessionID) (core.Handle, bool) {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()
	h, ok := o.handles[sid]
	return h, ok
}
