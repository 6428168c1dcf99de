// Package domain contains entity without logic, just meta-data
package domain

import (
	"strings"
	"time"
)

const (
	MaxTopicLen       = 64
	MaxParticipantLen = 64
	MaxDisplayNameLen = 64
	MaxSessionIDLen   = 64
)

type (
	SessionID string
	Topic     string
)

type Status string

const (
	StatusForming Status = "forming"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusForming, StatusActive, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether no lifecycle transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusClosed
}

type Session struct {
	ID        SessionID `json:"id"`
	Topic     Topic     `json:"topic"`
	Status    Status    `json:"status"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTopic trims and checks a topic tag. Topics are matched verbatim after trimming.
func NewTopic(raw string) (Topic, error) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return "", ErrTopicEmpty
	}
	if len(t) > MaxTopicLen {
		return "", ErrTopicTooLong
	}
	return Topic(t), nil
}

func NewSessionID(raw string) (SessionID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrSessionIDEmpty
	}
	if len(id) > MaxSessionIDLen {
		return "", ErrSessionIDTooLong
	}
	return SessionID(id), nil
}

func ValidCapacity(capacity, max int) error {
	if capacity <= 0 {
		return ErrCapacityNotPositive
	}
	if max > 0 && capacity > max {
		return ErrCapacityTooLarge
	}
	return nil
}
