package core

import (
	"sort"
	"sync"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

// lobbyImpl is a threadsafe in-memory lobby.
// It never closes adapter-owned resources.
type lobbyImpl struct {
	mu   sync.RWMutex
	byID map[domain.PlayerID]PlayerSession
}

func NewLobby() Lobby {
	return &lobbyImpl{byID: make(map[domain.PlayerID]PlayerSession)}
}

func (l *lobbyImpl) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

func (l *lobbyImpl) Snapshot() []PlayerDTO {
	l.mu.RLock()
	out := make([]PlayerDTO, 0, len(l.byID))
	for _, ps := range l.byID {
		out = append(out, PlayerDTO{ID: ps.ID(), Name: ps.Name()})
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *lobbyImpl) Get(id domain.PlayerID) (PlayerSession, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ps, ok := l.byID[id]
	return ps, ok
}

func (l *lobbyImpl) Add(ps PlayerSession) PlayerSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.byID[ps.ID()]
	l.byID[ps.ID()] = ps
	log.Info().Str("module", "core.lobby").Str("player", string(ps.ID())).Bool("replaced", old != nil).Msg("player joined")
	return old
}

func (l *lobbyImpl) Remove(ps PlayerSession) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.byID[ps.ID()]; !ok || cur != ps {
		return false
	}
	delete(l.byID, ps.ID())
	log.Info().Str("module", "core.lobby").Str("player", string(ps.ID())).Msg("player left")
	return true
}

func (l *lobbyImpl) Broadcast(from domain.PlayerID, data Frame) PublishResult {
	l.mu.RLock()
	targets := make([]PlayerSession, 0, len(l.byID))
	for id, ps := range l.byID {
		if id != from {
			targets = append(targets, ps)
		}
	}
	l.mu.RUnlock()

	var res PublishResult
	for _, ps := range targets {
		if err := ps.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, ps)
			continue
		}
		res.SendTo++
	}
	return res
}
