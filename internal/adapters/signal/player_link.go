package signal

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/secure"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrLoginRejected = errors.New("login rejected")

// PlayerHandlers receive what the server pushes to a player. They run on
// the link's read goroutine and must not block.
type PlayerHandlers struct {
	OnSignal func(msg domain.SignalingMessage)
	OnNotice func(text string)
	OnMedia  func(packet []byte)
	OnError  func(code string)
}

// PlayerLink is the player's end of the control connection: it logs in,
// then carries signaling, positions and relayed voice packets.
type PlayerLink struct {
	conn   *websocket.Conn
	send   chan outbound
	cfg    Config
	self   domain.PlayerID
	name   string
	h      PlayerHandlers
	logger zerolog.Logger
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// DialPlayer connects to url and completes the challenge login with key
// before returning. ctx bounds the dial and the login only.
func DialPlayer(ctx context.Context, url string, self domain.PlayerID, name string, key ed25519.PrivateKey, cfg Config, h PlayerHandlers) (*PlayerLink, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	l := &PlayerLink{
		conn:   ws,
		send:   make(chan outbound, cfg.SendBuffer),
		cfg:    cfg,
		self:   self,
		h:      h,
		logger: log.With().Str("module", "signal.player").Str("player", string(self)).Logger(),
		done:   make(chan struct{}),
	}
	if err := l.login(ctx, name, key); err != nil {
		_ = ws.Close()
		return nil, err
	}
	go l.writePump()
	go l.readPump()
	return l, nil
}

func (l *PlayerLink) login(ctx context.Context, name string, key ed25519.PrivateKey) error {
	deadline := time.Now().Add(l.cfg.PongWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetReadDeadline(deadline)
	_ = l.conn.SetWriteDeadline(deadline)
	defer func() {
		_ = l.conn.SetReadDeadline(time.Time{})
		_ = l.conn.SetWriteDeadline(time.Time{})
	}()

	if err := l.conn.WriteJSON(map[string]any{"type": "hello", "player": l.self, "name": name}); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	var ch struct {
		Type  string `json:"type"`
		Nonce []byte `json:"nonce"`
		Error string `json:"error"`
	}
	if err := l.conn.ReadJSON(&ch); err != nil {
		return fmt.Errorf("challenge: %w", err)
	}
	if ch.Type != "challenge" {
		return fmt.Errorf("%w: %s", ErrLoginRejected, ch.Error)
	}

	sig := secure.SignChallenge(key, ch.Nonce, string(l.self))
	if err := l.conn.WriteJSON(map[string]any{"type": "auth", "sig": sig}); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	var w struct {
		Type  string `json:"type"`
		Name  string `json:"name"`
		Error string `json:"error"`
	}
	if err := l.conn.ReadJSON(&w); err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	if w.Type != "welcome" {
		return fmt.Errorf("%w: %s", ErrLoginRejected, w.Error)
	}
	l.name = w.Name
	l.logger.Info().Str("name", w.Name).Msg("logged in")
	return nil
}

func (l *PlayerLink) Player() domain.PlayerID { return l.self }

// Name is the display name the server settled on.
func (l *PlayerLink) Name() string { return l.name }

// Done is closed when the connection ends.
func (l *PlayerLink) Done() <-chan struct{} { return l.done }

func (l *PlayerLink) push(kind int, data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.send <- outbound{kind: kind, data: data}:
	default:
		return ErrBackpressure
	}
	return nil
}

func (l *PlayerLink) pushJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.push(websocket.TextMessage, b)
}

// Send implements signaling.Sender.
func (l *PlayerLink) Send(_ context.Context, msg domain.SignalingMessage) error {
	return l.pushJSON(signalEnvelope{Type: "signal", Msg: msg})
}

// SendMedia queues one relayed voice packet. It drops instead of blocking.
func (l *PlayerLink) SendMedia(packet []byte) error {
	return l.push(websocket.BinaryMessage, packet)
}

func (l *PlayerLink) SendPosition(p domain.Position, tick uint64) error {
	return l.pushJSON(struct {
		Type string `json:"type"`
		domain.Position
		Tick uint64 `json:"tick"`
	}{Type: "position", Position: p, Tick: tick})
}

func (l *PlayerLink) SetMuted(muted bool) error {
	return l.pushJSON(map[string]any{"type": "mute", "muted": muted})
}

func (l *PlayerLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.send)
	_ = l.conn.Close()
	l.mu.Unlock()
}

func (l *PlayerLink) writePump() {
	for out := range l.send {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteWait)); err != nil {
			l.logger.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := l.conn.WriteMessage(out.kind, out.data); err != nil {
			l.logger.Warn().Err(err).Msg("writePump write error")
			return
		}
	}
}

func (l *PlayerLink) readPump() {
	defer func() {
		l.Close()
		close(l.done)
		l.logger.Info().Msg("control link closed")
	}()

	extend := func() error {
		return l.conn.SetReadDeadline(time.Now().Add(l.cfg.PongWait))
	}
	if err := extend(); err != nil {
		return
	}
	l.conn.SetPingHandler(func(data string) error {
		_ = extend()
		err := l.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(l.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.logger.Warn().Err(err).Msg("readPump error")
			}
			return
		}
		_ = extend()
		if kind == websocket.BinaryMessage {
			if l.h.OnMedia != nil {
				l.h.OnMedia(data)
			}
			continue
		}
		l.dispatch(data)
	}
}

func (l *PlayerLink) dispatch(data []byte) {
	var m struct {
		Type  string                  `json:"type"`
		Msg   domain.SignalingMessage `json:"msg"`
		Text  string                  `json:"text"`
		Error string                  `json:"error"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		l.logger.Warn().Err(err).Msg("bad json from server")
		return
	}
	switch m.Type {
	case "signal":
		if l.h.OnSignal != nil {
			l.h.OnSignal(m.Msg)
		}
	case "notice":
		if l.h.OnNotice != nil {
			l.h.OnNotice(m.Text)
		}
	case "error":
		l.logger.Warn().Str("code", m.Error).Msg("server error")
		if l.h.OnError != nil {
			l.h.OnError(m.Error)
		}
	default:
		l.logger.Debug().Str("type", m.Type).Msg("ignored server message")
	}
}
