package domain

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrTopicEmpty          = errors.New("topic empty")
	ErrTopicTooLong        = errors.New("topic too long")
	ErrSessionIDEmpty      = errors.New("session id empty")
	ErrSessionIDTooLong    = errors.New("session id too long")
	ErrParticipantEmpty    = errors.New("participant key empty")
	ErrParticipantTooLong  = errors.New("participant key too long")
	ErrDisplayNameTooLong  = errors.New("display name too long")
	ErrCapacityNotPositive = errors.New("capacity must be positive")
	ErrCapacityTooLarge    = errors.New("capacity too large")
)

// ParticipantKey is the opaque, caller-supplied identity a membership is keyed on.
type ParticipantKey string

// Member represents a participant's row in the membership ledger.
// DisplayName is informational and never part of the key.
type Member struct {
	SessionID      SessionID      `json:"-"`
	ParticipantKey ParticipantKey `json:"participantKey"`
	DisplayName    string         `json:"displayName"`
	JoinedAt       time.Time      `json:"joined_at"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
}

func NewParticipantKey(raw string) (ParticipantKey, error) {
	k := strings.TrimSpace(raw)
	if k == "" {
		return "", ErrParticipantEmpty
	}
	if len(k) > MaxParticipantLen {
		return "", ErrParticipantTooLong
	}
	return ParticipantKey(k), nil
}

// NewMember builds a membership row; an empty display name falls back to the key.
func NewMember(sid SessionID, key ParticipantKey, displayName string, at time.Time) (*Member, error) {
	name := strings.TrimSpace(displayName)
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if name == "" {
		name = string(key)
	}
	return &Member{SessionID: sid, ParticipantKey: key, DisplayName: name, JoinedAt: at, LastSeenAt: at}, nil
}
