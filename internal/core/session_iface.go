package core

import "github.com/dkeye/roguetalk/internal/domain"

// PlayerSession binds a connected player and its control connection.
// This is what the lobby stores and fans out to.
type PlayerSession interface {
	ID() domain.PlayerID
	Name() string
	Signal() SignalConnection
}

type playerSession struct {
	id   domain.PlayerID
	name string
	conn SignalConnection
}

func NewPlayerSession(id domain.PlayerID, name string, conn SignalConnection) PlayerSession {
	return &playerSession{id: id, name: name, conn: conn}
}

func (p *playerSession) ID() domain.PlayerID      { return p.id }
func (p *playerSession) Name() string             { return p.name }
func (p *playerSession) Signal() SignalConnection { return p.conn }
