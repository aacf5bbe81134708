package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

type SessionState int

const (
	StateAbsent SessionState = iota
	StateNegotiating
	StateEstablished
	StateClosing
)

func (s SessionState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Credentials is the per-session material produced by a completed handshake.
// The server side never learns Key; it only keeps the fingerprint and relay token.
type Credentials struct {
	SessionID   SessionID `json:"session_id"`
	Key         []byte    `json:"-"`
	Fingerprint [32]byte  `json:"-"`
	RelayToken  string    `json:"relay_token,omitempty"`
}

type Session struct {
	Pair          Pair         `json:"pair"`
	State         SessionState `json:"state"`
	ID            SessionID    `json:"id"`
	EstablishedAt time.Time    `json:"established_at,omitzero"`
	LastActivity  time.Time    `json:"last_activity,omitzero"`
	Attempts      int          `json:"attempts"`
	Credentials   Credentials  `json:"-"`
}
