package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/app"
	"github.com/dkeye/Classmate/internal/config"
	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
	"github.com/dkeye/Classmate/internal/metrics"
)

var (
	ErrSessionFull   = fmt.Errorf("session full: %w", core.ErrConflict)
	ErrSessionClosed = fmt.Errorf("session closed: %w", core.ErrConflict)
)

const (
	candidateLimit = 16
	listLimit      = 50
)

// Orchestrator runs every session operation against the shared repository.
// It keeps no session state of its own; all coordination happens through
// the repository's conditional writes.
type Orchestrator struct {
	Repo      core.Repository
	Relay     core.SignalRelay
	Registry  *app.Registry
	Metrics   *metrics.Metrics
	Lifecycle core.LifecyclePolicy

	MaxAttempts int
	MaxCapacity int
	MemberTTL   time.Duration

	Now   func() time.Time
	NewID func() domain.SessionID
}

func New(cfg *config.Config, repo core.Repository, relay core.SignalRelay, registry *app.Registry, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		Repo:     repo,
		Relay:    relay,
		Registry: registry,
		Metrics:  m,
		Lifecycle: core.LifecyclePolicy{
			WaitTimeout: cfg.Lifecycle.WaitTimeout,
			MinViable:   cfg.Lifecycle.MinViable,
		},
		MaxAttempts: cfg.Admission.MaxAttempts,
		MaxCapacity: cfg.Admission.MaxCapacity,
		MemberTTL:   cfg.Lifecycle.MemberTTL,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) newID() domain.SessionID {
	if o.NewID != nil {
		return o.NewID()
	}
	return domain.SessionID(uuid.NewString())
}

// settle evaluates the lifecycle of s and persists a transition with a
// compare-and-swap. When another caller won the swap, s is reloaded so the
// returned status is the stored one.
func (o *Orchestrator) settle(ctx context.Context, s *domain.Session, memberCount int) (domain.Status, error) {
	next := o.Lifecycle.Evaluate(*s, memberCount, o.now())
	if next == s.Status {
		return s.Status, nil
	}
	ok, err := o.Repo.CompareAndSetStatus(ctx, s.ID, s.Status, next)
	if err != nil {
		return "", err
	}
	if ok {
		log.Info().Str("module", "orch.lifecycle").
			Str("session_id", string(s.ID)).
			Str("from", string(s.Status)).
			Str("to", string(next)).
			Int("members", memberCount).
			Msg("session transition")
		o.Metrics.Transition(string(next))
		s.Status = next
		return next, nil
	}
	fresh, err := o.Repo.Session(ctx, s.ID)
	if err != nil {
		return "", err
	}
	s.Status = fresh.Status
	return s.Status, nil
}

func sessionID(raw string) (domain.SessionID, error) {
	id, err := domain.NewSessionID(raw)
	if err != nil {
		return "", core.Invalid("sessionId", err)
	}
	return id, nil
}

func participantKey(raw string) (domain.ParticipantKey, error) {
	key, err := domain.NewParticipantKey(raw)
	if err != nil {
		return "", core.Invalid("participantKey", err)
	}
	return key, nil
}

func isConflict(err error) bool {
	return errors.Is(err, core.ErrConflict)
}
