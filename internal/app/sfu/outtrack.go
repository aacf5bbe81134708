package sfu

import (
	"sync/atomic"

	"github.com/dkeye/roguetalk/internal/domain"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

func (s TrackState) String() string {
	switch s {
	case TrackStateOk:
		return "ok"
	case TrackStateMuted:
		return "muted"
	case TrackStateDelete:
		return "delete"
	}
	return "unknown"
}

// Egress writes relayed packets to a connected player.
type Egress interface {
	SendMedia(to domain.PlayerID, packet []byte) error
}

// OutTrack is one direction of a route: packets from From are written to To.
type OutTrack struct {
	From   domain.PlayerID
	To     domain.PlayerID
	egress Egress
	state  atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(from, to domain.PlayerID, egress Egress) *OutTrack {
	return &OutTrack{From: from, To: to, egress: egress}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkOk() {
	ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() {
	ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkDelete is final; later MarkOk or MarkMuted calls do nothing.
func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

func (ot *OutTrack) Write(packet []byte) error {
	return ot.egress.SendMedia(ot.To, packet)
}
