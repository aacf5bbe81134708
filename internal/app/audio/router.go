package audio

import (
	"sync"

	"github.com/dkeye/roguetalk/internal/core"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

type RouterConfig struct {
	ConnectRadius    float64
	DisconnectRadius float64
	// Frames whose peak stays below SilenceThreshold are not sent once more
	// than SilenceDebounce of them follow each other. Zero disables it.
	SilenceThreshold   float32
	SilenceDebounce    int
	DecodeFailureLimit int
}

type Stats struct {
	Routed         uint64 `json:"routed"`
	DecodeFailures uint64 `json:"decode_failures"`
	Sent           uint64 `json:"sent"`
	Suppressed     uint64 `json:"suppressed"`
	EncodeFailures uint64 `json:"encode_failures"`
}

// FrameCipher seals outgoing payloads and opens incoming ones for one
// session.
type FrameCipher interface {
	Seal(plain []byte) []byte
	Open(frame []byte) ([]byte, error)
}

type route struct {
	cipher    FrameCipher
	quiet     int
	failures  int
	escalated bool
}

// Router applies distance gain to incoming frames and gates outgoing ones.
// It never touches signaling; a run of decode failures is surfaced through
// the transport error callback and the registry takes it from there.
type Router struct {
	codec core.Codec

	mu       sync.Mutex
	cfg      RouterConfig
	sessions map[domain.SessionID]*route
	muted    bool
	stats    Stats
	onError  func(sid domain.SessionID)
}

func NewRouter(codec core.Codec, cfg RouterConfig) *Router {
	return &Router{
		codec:    codec,
		cfg:      cfg,
		sessions: make(map[domain.SessionID]*route),
	}
}

// OnTransportError is called once per session when decode failures reach
// DecodeFailureLimit in a row.
func (r *Router) OnTransportError(fn func(sid domain.SessionID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

func (r *Router) SetConfig(cfg RouterConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func (r *Router) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = muted
}

// AddSession starts routing for sid. A nil cipher passes payloads through
// unchanged.
func (r *Router) AddSession(sid domain.SessionID, cipher FrameCipher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; !ok {
		r.sessions[sid] = &route{cipher: cipher}
	}
}

// RemoveSession stops routing for sid. Frames for it are dropped from the
// moment this returns.
func (r *Router) RemoveSession(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Route opens and decodes payload from sid and scales it for the talker's
// distance. ok is false when the frame was dropped; authentication and
// decode failures both count toward DecodeFailureLimit.
func (r *Router) Route(sid domain.SessionID, distance float64, payload []byte) (frame []float32, ok bool) {
	r.mu.Lock()
	rt, live := r.sessions[sid]
	r.mu.Unlock()
	if !live {
		return nil, false
	}

	data, err := payload, error(nil)
	if rt.cipher != nil {
		data, err = rt.cipher.Open(payload)
	}
	var pcm []float32
	if err == nil {
		pcm, err = r.codec.Decode(data)
	}

	r.mu.Lock()
	if cur, ok := r.sessions[sid]; !ok || cur != rt {
		r.mu.Unlock()
		return nil, false
	}
	if err != nil {
		r.stats.DecodeFailures++
		rt.failures++
		var escalate func(domain.SessionID)
		if r.cfg.DecodeFailureLimit > 0 && rt.failures >= r.cfg.DecodeFailureLimit && !rt.escalated {
			rt.escalated = true
			escalate = r.onError
		}
		r.mu.Unlock()
		log.Debug().Str("module", "audio.router").Str("sid", string(sid)).Err(err).Msg("dropping undecodable frame")
		if escalate != nil {
			log.Warn().Str("module", "audio.router").Str("sid", string(sid)).Msg("too many decode failures, reporting transport error")
			escalate(sid)
		}
		return nil, false
	}
	rt.failures = 0
	r.stats.Routed++
	gain := Gain(distance, r.cfg.ConnectRadius, r.cfg.DisconnectRadius)
	r.mu.Unlock()

	return Attenuate(pcm, gain), true
}

// PrepareSend encodes and seals a captured frame for sid unless the player
// is muted or has been silent for longer than the debounce window.
func (r *Router) PrepareSend(sid domain.SessionID, captured []float32) ([]byte, bool) {
	r.mu.Lock()
	rt, live := r.sessions[sid]
	if !live || r.muted {
		r.mu.Unlock()
		return nil, false
	}
	if Peak(captured) >= r.cfg.SilenceThreshold {
		rt.quiet = 0
	} else {
		rt.quiet++
	}
	if rt.quiet > r.cfg.SilenceDebounce {
		r.stats.Suppressed++
		r.mu.Unlock()
		return nil, false
	}
	cipher := rt.cipher
	r.mu.Unlock()

	data, err := r.codec.Encode(captured)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.EncodeFailures++
		return nil, false
	}
	if cipher != nil {
		data = cipher.Seal(data)
	}
	r.stats.Sent++
	return data, true
}
