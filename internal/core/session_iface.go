package core

import "github.com/dkeye/Classmate/internal/domain"

// SignalSession binds a participant of a session to its signaling endpoint.
// This is what the connection registry stores.
type SignalSession interface {
	Session() domain.SessionID
	Participant() domain.ParticipantKey
	Signal() SignalConnection
}
