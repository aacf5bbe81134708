package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	ws "github.com/dkeye/roguetalk/internal/adapters/signal"
	"github.com/dkeye/roguetalk/internal/app/voice"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

// walker stands in for the game: it owns the player's position, moves it
// along x and reports it to the server.
type walker struct {
	mu    sync.Mutex
	pos   domain.Position
	speed float64
	tick  uint64
}

func (w *walker) position() domain.Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

func (w *walker) run(ctx context.Context, link *ws.PlayerLink, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		w.mu.Lock()
		w.pos.X += w.speed * every.Seconds()
		w.tick++
		pos, tick := w.pos, w.tick
		w.mu.Unlock()

		if err := link.SendPosition(pos, tick); err != nil {
			log.Debug().Str("module", "client").Err(err).Msg("position not sent")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

type playerInfo struct {
	ID       domain.PlayerID  `json:"id"`
	Position *domain.Position `json:"position"`
}

// trackDistances polls the status API for positions and feeds the
// distance to each session peer into the agent.
func trackDistances(ctx context.Context, base string, w *walker, agent *voice.Agent, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		players, err := fetchPlayers(ctx, base)
		if err != nil {
			log.Debug().Str("module", "client").Err(err).Msg("player poll failed")
			continue
		}
		self := w.position()
		for _, peer := range agent.Peers() {
			p, ok := players[peer]
			if !ok || p == nil || !self.SameLevel(*p) {
				agent.SetDistance(peer, math.Inf(1))
				continue
			}
			agent.SetDistance(peer, self.Distance(*p))
		}
	}
}

func fetchPlayers(ctx context.Context, base string) (map[domain.PlayerID]*domain.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/players", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("players: %s", resp.Status)
	}
	var body struct {
		Players []playerInfo `json:"players"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make(map[domain.PlayerID]*domain.Position, len(body.Players))
	for _, p := range body.Players {
		out[p.ID] = p.Position
	}
	return out, nil
}
