package domain

import (
	"encoding/json"
	"errors"
)

type SignalType string

const (
	SignalJoin   SignalType = "join"
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
	SignalLeave  SignalType = "leave"
)

var (
	ErrSignalType = errors.New("unknown signal type")
	ErrSignalFrom = errors.New("signal without sender")
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalJoin, SignalOffer, SignalAnswer, SignalICE, SignalLeave:
		return true
	}
	return false
}

// SignalMessage is one peer handshake message. SDP and Candidate are opaque
// to everything except the negotiating peers.
type SignalMessage struct {
	Type      SignalType      `json:"type"`
	From      ParticipantKey  `json:"from"`
	To        ParticipantKey  `json:"to,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func (m SignalMessage) Validate() error {
	if !m.Type.Valid() {
		return ErrSignalType
	}
	if m.From == "" {
		return ErrSignalFrom
	}
	return nil
}

// AddressedTo reports whether key should consume m: never its own messages,
// and only messages that are broadcast or addressed to it.
func (m SignalMessage) AddressedTo(key ParticipantKey) bool {
	if m.From == key {
		return false
	}
	return m.To == "" || m.To == key
}

// ChannelName is the pub/sub topic for a session's signaling.
func ChannelName(prefix string, id SessionID) string {
	if prefix == "" {
		prefix = "session"
	}
	return prefix + ":" + string(id)
}
