package core

import "github.com/dkeye/Classmate/internal/domain"

// signalSession implements SignalSession by pairing membership + transport.
type signalSession struct {
	session     domain.SessionID
	participant domain.ParticipantKey
	conn        SignalConnection
}

func NewSignalSession(id domain.SessionID, key domain.ParticipantKey, conn SignalConnection) SignalSession {
	return &signalSession{session: id, participant: key, conn: conn}
}

func (s *signalSession) Session() domain.SessionID          { return s.session }
func (s *signalSession) Participant() domain.ParticipantKey { return s.participant }
func (s *signalSession) Signal() SignalConnection           { return s.conn }
