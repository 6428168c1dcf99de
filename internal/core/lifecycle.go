package core

import (
	"time"

	"github.com/dkeye/Classmate/internal/domain"
)

const (
	DefaultWaitTimeout = 3 * time.Minute
	DefaultMinViable   = 2
)

// LifecyclePolicy holds the thresholds of the forming phase.
type LifecyclePolicy struct {
	WaitTimeout time.Duration
	MinViable   int
}

func DefaultLifecyclePolicy() LifecyclePolicy {
	return LifecyclePolicy{WaitTimeout: DefaultWaitTimeout, MinViable: DefaultMinViable}
}

// Evaluate returns the status s should have at now given memberCount.
// It depends only on its arguments; active and closed are returned unchanged.
func (p LifecyclePolicy) Evaluate(s domain.Session, memberCount int, now time.Time) domain.Status {
	if s.Status.Terminal() {
		return s.Status
	}
	if memberCount >= s.Capacity {
		return domain.StatusActive
	}
	if now.Sub(s.CreatedAt) < p.WaitTimeout {
		return domain.StatusForming
	}
	if memberCount >= p.MinViable {
		return domain.StatusActive
	}
	return domain.StatusClosed
}
