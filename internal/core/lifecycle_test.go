package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/Classmate/internal/domain"
)

func TestEvaluate(t *testing.T) {
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultLifecyclePolicy()
	forming := func(capacity int) domain.Session {
		return domain.Session{ID: "s", Status: domain.StatusForming, Capacity: capacity, CreatedAt: t0}
	}

	cases := []struct {
		name    string
		session domain.Session
		members int
		at      time.Time
		want    domain.Status
	}{
		{"full activates immediately", forming(2), 2, t0, domain.StatusActive},
		{"over capacity activates", forming(2), 3, t0.Add(time.Second), domain.StatusActive},
		{"waiting stays forming", forming(5), 2, t0.Add(179 * time.Second), domain.StatusForming},
		{"timeout with two activates", forming(5), 2, t0.Add(180 * time.Second), domain.StatusActive},
		{"timeout with one closes", forming(5), 1, t0.Add(181 * time.Second), domain.StatusClosed},
		{"timeout with none closes", forming(5), 0, t0.Add(time.Hour), domain.StatusClosed},
		{"active is terminal", domain.Session{Status: domain.StatusActive, Capacity: 5, CreatedAt: t0}, 0, t0.Add(time.Hour), domain.StatusActive},
		{"closed is terminal", domain.Session{Status: domain.StatusClosed, Capacity: 2, CreatedAt: t0}, 2, t0, domain.StatusClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Evaluate(tc.session, tc.members, tc.at))
		})
	}
}

func TestEvaluate_CustomMinViable(t *testing.T) {
	t0 := time.Now()
	p := LifecyclePolicy{WaitTimeout: time.Minute, MinViable: 3}
	s := domain.Session{Status: domain.StatusForming, Capacity: 6, CreatedAt: t0}

	assert.Equal(t, domain.StatusClosed, p.Evaluate(s, 2, t0.Add(time.Minute)))
	assert.Equal(t, domain.StatusActive, p.Evaluate(s, 3, t0.Add(time.Minute)))
}

func TestValidationError(t *testing.T) {
	err := Invalid("topic", domain.ErrTopicEmpty)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.EqualError(t, err, "invalid topic: topic empty")

	terr := Transient("join", assert.AnError)
	assert.ErrorIs(t, terr, ErrTransient)
	assert.ErrorIs(t, terr, assert.AnError)
}
