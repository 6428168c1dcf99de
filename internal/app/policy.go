package app

import (
	"fmt"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	}
	return "none"
}

// Policy decides what happens to a subscriber whose queue is full.
type Policy interface {
	OnBackPressure(id domain.SessionID, sink core.SignalConnection) BackpressureAction
}

// SimplePolicy drops the frame and keeps the subscriber. Signaling is at most
// once, so a lost frame is recovered by the peers' join/offer exchange.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.SessionID, core.SignalConnection) BackpressureAction {
	return DropFrame
}

// StrictPolicy disconnects slow subscribers instead of dropping frames.
type StrictPolicy struct{}

func (StrictPolicy) OnBackPressure(domain.SessionID, core.SignalConnection) BackpressureAction {
	return KickMember
}

// PolicyByName maps the signal.backpressure setting to a Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "drop":
		return SimplePolicy{}, nil
	case "kick":
		return StrictPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
