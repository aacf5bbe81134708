// Package signal is the websocket control connection every player keeps
// open to the server. Text frames carry JSON messages (authentication,
// positions, signaling, notices); binary frames carry relayed voice
// packets.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/roguetalk/internal/app/signaling"
	"github.com/dkeye/roguetalk/internal/clock"
	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("player not connected")
)

// Engine is what the websocket layer drives.
type Engine interface {
	PlayerJoined(ps core.PlayerSession)
	PlayerLeft(ps core.PlayerSession)
	PublishPosition(u domain.PositionUpdate) error
	OnBackpressure(ps core.PlayerSession, critical bool)
}

// Deliverer accepts signaling messages sent by players.
type Deliverer interface {
	Deliver(ctx context.Context, from domain.PlayerID, msg domain.SignalingMessage) error
}

// MediaIngest accepts relayed voice packets sent by players.
type MediaIngest interface {
	Ingest(from domain.PlayerID, raw []byte) error
	SetMuted(player domain.PlayerID, muted bool)
}

type Config struct {
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	// AuthLimit hello attempts per remote address per AuthWindow.
	AuthLimit  int
	AuthWindow time.Duration
	// SignalLimit signaling messages per player per second.
	SignalLimit int
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:     256,
		WriteWait:      5 * time.Second,
		PongWait:       30 * time.Second,
		PingInterval:   10 * time.Second,
		MaxMessageSize: 64 << 10,
		AuthLimit:      10,
		AuthWindow:     time.Minute,
		SignalLimit:    200,
	}
}

type SignalWSController struct {
	Lobby     core.Lobby
	Directory signaling.Directory
	Engine    Engine
	Signaling Deliverer
	Media     MediaIngest

	cfg         Config
	authLimiter *RateLimiter
	sigLimiter  *RateLimiter
	upgrader    websocket.Upgrader
}

func NewSignalWSController(lobby core.Lobby, dir signaling.Directory, clk clock.Clock, cfg Config) *SignalWSController {
	return &SignalWSController{
		Lobby:       lobby,
		Directory:   dir,
		cfg:         cfg,
		authLimiter: NewRateLimiter(clk, cfg.AuthLimit, cfg.AuthWindow),
		sigLimiter:  NewRateLimiter(clk, cfg.SignalLimit, time.Second),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Bind attaches the parts that themselves need the controller. Call it
// once before serving.
func (ctl *SignalWSController) Bind(engine Engine, sig Deliverer, media MediaIngest) {
	ctl.Engine = engine
	ctl.Signaling = sig
	ctl.Media = media
}

type outbound struct {
	kind int
	data []byte
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan outbound

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) push(kind int, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- outbound{kind: kind, data: data}:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) TrySend(f core.Frame) error { return c.push(websocket.TextMessage, f) }

func (c *WsSignalConn) TrySendMedia(packet []byte) error {
	return c.push(websocket.BinaryMessage, packet)
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type signalEnvelope struct {
	Type string                  `json:"type"`
	Msg  domain.SignalingMessage `json:"msg"`
}

// Send implements core.ControlLink. A full queue is reported to the engine
// as critical backpressure.
func (ctl *SignalWSController) Send(_ context.Context, to domain.PlayerID, msg domain.SignalingMessage) error {
	ps, ok := ctl.Lobby.Get(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	b, err := json.Marshal(signalEnvelope{Type: "signal", Msg: msg})
	if err != nil {
		return err
	}
	if err := ps.Signal().TrySend(b); err != nil {
		if errors.Is(err, ErrBackpressure) && ctl.Engine != nil {
			ctl.Engine.OnBackpressure(ps, true)
		}
		return err
	}
	return nil
}

// Notify implements core.Notifier.
func (ctl *SignalWSController) Notify(to domain.PlayerID, text string) {
	ps, ok := ctl.Lobby.Get(to)
	if !ok {
		return
	}
	ctl.sendJSON(ps, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "notice", Text: text})
}

// SendMedia implements sfu.Egress. Packets for a slow player are dropped,
// not reported as a failed route.
func (ctl *SignalWSController) SendMedia(to domain.PlayerID, packet []byte) error {
	ps, ok := ctl.Lobby.Get(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}
	mc, ok := ps.Signal().(core.MediaConnection)
	if !ok {
		return fmt.Errorf("%w: %s has no media path", ErrNotConnected, to)
	}
	err := mc.TrySendMedia(packet)
	if errors.Is(err, ErrBackpressure) {
		if ctl.Engine != nil {
			ctl.Engine.OnBackpressure(ps, false)
		}
		return nil
	}
	return err
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("client_token", token).Str("remote", c.ClientIP()).Msg("new WS connection")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(ctl.cfg.MaxMessageSize)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan outbound, ctl.cfg.SendBuffer),
	}
	cl := &client{conn: conn, remote: c.ClientIP()}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, cl)
	}()
}
