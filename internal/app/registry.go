package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/roguetalk/internal/clock"
	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/rs/zerolog/log"
)

type CommandKind int

const (
	CommandOpen CommandKind = iota
	CommandClose
)

func (k CommandKind) String() string {
	if k == CommandOpen {
		return "OPEN"
	}
	return "CLOSE"
}

// Command is an instruction from the registry to the orchestrator.
type Command struct {
	Kind      CommandKind
	Pair      domain.Pair
	SessionID domain.SessionID
}

type RegistryConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// TransitionFunc observes every state change. It runs with the registry
// lock held and must not call back into the registry.
type TransitionFunc func(pair domain.Pair, sid domain.SessionID, from, to domain.SessionState)

type record struct {
	session domain.Session
	retryAt time.Time
	gaveUp  bool
}

// Registry owns the per-pair session state machine. It never performs I/O:
// it only answers with Commands that the caller dispatches.
type Registry struct {
	mu      sync.RWMutex
	cfg     RegistryConfig
	clock   clock.Clock
	records map[domain.Pair]*record
	audible map[domain.Pair]bool

	newID        func() domain.SessionID
	onTransition TransitionFunc
}

func NewRegistry(cfg RegistryConfig, clk clock.Clock) *Registry {
	return &Registry{
		cfg:     cfg,
		clock:   clk,
		records: make(map[domain.Pair]*record),
		audible: make(map[domain.Pair]bool),
		newID:   domain.NewSessionID,
	}
}

// OnTransition installs the transition observer. Call before use.
func (r *Registry) OnTransition(fn TransitionFunc) { r.onTransition = fn }

// SetConfig swaps retry tuning; it applies to the next failure.
func (r *Registry) SetConfig(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

func (r *Registry) setState(rec *record, to domain.SessionState) {
	from := rec.session.State
	rec.session.State = to
	log.Debug().
		Str("module", "app.registry").
		Str("pair", rec.session.Pair.Key()).
		Str("sid", string(rec.session.ID)).
		Stringer("from", from).
		Stringer("to", to).
		Msg("session transition")
	if r.onTransition != nil {
		r.onTransition(rec.session.Pair, rec.session.ID, from, to)
	}
}

// Reconcile compares the current audible edges against the live sessions.
// Pairs missing from edges count as inaudible.
func (r *Registry) Reconcile(edges []domain.ProximityEdge) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	audible := make(map[domain.Pair]bool, len(edges))
	for _, e := range edges {
		if e.Audible {
			audible[e.Pair] = true
		}
	}
	r.audible = audible

	var cmds []Command
	for pair := range audible {
		rec, ok := r.records[pair]
		if !ok {
			rec = &record{session: domain.Session{Pair: pair, State: domain.StateAbsent}}
			r.records[pair] = rec
		}
		if rec.session.State != domain.StateAbsent || rec.gaveUp || now.Before(rec.retryAt) {
			continue
		}
		rec.session.ID = r.newID()
		rec.session.Credentials = domain.Credentials{}
		rec.session.EstablishedAt = time.Time{}
		rec.session.Attempts++
		r.setState(rec, domain.StateNegotiating)
		cmds = append(cmds, Command{Kind: CommandOpen, Pair: pair, SessionID: rec.session.ID})
	}

	for pair, rec := range r.records {
		if audible[pair] {
			continue
		}
		switch rec.session.State {
		case domain.StateAbsent:
			// Leaving the audible set resets the retry budget.
			delete(r.records, pair)
		case domain.StateNegotiating:
			cmds = append(cmds, Command{Kind: CommandClose, Pair: pair, SessionID: rec.session.ID})
			r.setState(rec, domain.StateAbsent)
			delete(r.records, pair)
		case domain.StateEstablished:
			r.setState(rec, domain.StateClosing)
			cmds = append(cmds, Command{Kind: CommandClose, Pair: pair, SessionID: rec.session.ID})
		case domain.StateClosing:
		}
	}

	sortCommands(cmds)
	return cmds
}

// current returns the record for pair only if sid is its live session id.
func (r *Registry) current(pair domain.Pair, sid domain.SessionID) (*record, bool) {
	rec, ok := r.records[pair]
	if !ok || rec.session.ID != sid {
		return nil, false
	}
	return rec, true
}

// MarkEstablished records a finished handshake. It returns false when sid is
// no longer the pair's negotiating session (the pair left range or a peer
// dropped mid-handshake); the caller then owns tearing the session down.
func (r *Registry) MarkEstablished(pair domain.Pair, sid domain.SessionID, creds domain.Credentials) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.current(pair, sid)
	if !ok || rec.session.State != domain.StateNegotiating {
		return false
	}
	now := r.clock.Now()
	rec.session.Credentials = creds
	rec.session.EstablishedAt = now
	rec.session.LastActivity = now
	rec.session.Attempts = 0
	r.setState(rec, domain.StateEstablished)
	return true
}

// MarkFailed handles a handshake that timed out or was rejected. The pair
// falls back to Absent and is retried with exponential backoff until the
// retry budget is spent.
func (r *Registry) MarkFailed(pair domain.Pair, sid domain.SessionID, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.current(pair, sid)
	if !ok || rec.session.State != domain.StateNegotiating {
		return
	}
	r.failLocked(rec, cause)
}

func (r *Registry) failLocked(rec *record, cause error) {
	pair, sid := rec.session.Pair, rec.session.ID
	r.setState(rec, domain.StateAbsent)

	logger := log.With().Str("module", "app.registry").Str("pair", pair.Key()).Str("sid", string(sid)).Logger()
	if rec.session.Attempts >= r.cfg.MaxRetries {
		rec.gaveUp = true
		logger.Warn().Err(cause).Int("attempts", rec.session.Attempts).Msg("giving up until pair leaves range")
		return
	}
	backoff := r.cfg.RetryBackoff << (rec.session.Attempts - 1)
	rec.retryAt = r.clock.Now().Add(backoff)
	logger.Info().Err(cause).Int("attempts", rec.session.Attempts).Dur("backoff", backoff).Msg("negotiation failed, will retry")
}

// MarkTransportError moves an established session to Closing. A session
// that is still negotiating counts as a failed attempt; the pending open
// then loses MarkEstablished and cleans up after itself.
func (r *Registry) MarkTransportError(pair domain.Pair, sid domain.SessionID) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.current(pair, sid)
	if !ok {
		return nil
	}
	switch rec.session.State {
	case domain.StateNegotiating:
		r.failLocked(rec, domain.ErrSessionAborted)
		return nil
	case domain.StateEstablished:
		r.setState(rec, domain.StateClosing)
		return []Command{{Kind: CommandClose, Pair: pair, SessionID: sid}}
	}
	return nil
}

// MarkPeerDisconnected closes every session that involves id.
func (r *Registry) MarkPeerDisconnected(id domain.PlayerID) []Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cmds []Command
	for pair, rec := range r.records {
		if !pair.Has(id) {
			continue
		}
		delete(r.audible, pair)
		switch rec.session.State {
		case domain.StateNegotiating:
			cmds = append(cmds, Command{Kind: CommandClose, Pair: pair, SessionID: rec.session.ID})
			r.setState(rec, domain.StateAbsent)
			delete(r.records, pair)
		case domain.StateEstablished:
			r.setState(rec, domain.StateClosing)
			cmds = append(cmds, Command{Kind: CommandClose, Pair: pair, SessionID: rec.session.ID})
		case domain.StateAbsent:
			delete(r.records, pair)
		}
	}
	sortCommands(cmds)
	return cmds
}

// MarkTeardownComplete finishes a Closing session.
func (r *Registry) MarkTeardownComplete(pair domain.Pair, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.current(pair, sid)
	if !ok || rec.session.State != domain.StateClosing {
		return
	}
	r.setState(rec, domain.StateAbsent)
	rec.session.Attempts = 0
	rec.retryAt = time.Time{}
	if !r.audible[pair] {
		delete(r.records, pair)
	}
}

// Touch records media activity on an established session.
func (r *Registry) Touch(pair domain.Pair, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.current(pair, sid); ok && rec.session.State == domain.StateEstablished {
		rec.session.LastActivity = r.clock.Now()
	}
}

func (r *Registry) Session(pair domain.Pair) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pair]
	if !ok || rec.session.State == domain.StateAbsent {
		return domain.Session{}, false
	}
	return rec.session, true
}

// Snapshot returns every non-absent session ordered by pair.
func (r *Registry) Snapshot() []domain.Session {
	r.mu.RLock()
	out := make([]domain.Session, 0, len(r.records))
	for _, rec := range r.records {
		if rec.session.State != domain.StateAbsent {
			out = append(out, rec.session)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.Key() < out[j].Pair.Key() })
	return out
}

func sortCommands(cmds []Command) {
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Kind != cmds[j].Kind {
			return cmds[i].Kind == CommandClose
		}
		return cmds[i].Pair.Key() < cmds[j].Pair.Key()
	})
}
