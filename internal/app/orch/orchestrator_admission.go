package orch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

type JoinRequest struct {
	Topic          string `json:"topic"`
	ParticipantKey string `json:"participantKey"`
	DisplayName    string `json:"displayName"`
	Capacity       int    `json:"capacity"`
}

type JoinResult struct {
	SessionID   domain.SessionID `json:"sessionId"`
	Status      domain.Status    `json:"status"`
	Capacity    int              `json:"capacity"`
	MemberCount int              `json:"memberCount"`
}

const (
	outcomeRefreshed = "refreshed"
	outcomeJoined    = "joined"
	outcomeCreated   = "created"
)

// Join admits the participant to the oldest forming session of the topic
// that still has room, or creates one. Repeating the call for the same
// participant returns the session it already belongs to.
func (o *Orchestrator) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	topic, err := domain.NewTopic(req.Topic)
	if err != nil {
		return nil, core.Invalid("topic", err)
	}
	key, err := participantKey(req.ParticipantKey)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidCapacity(req.Capacity, o.MaxCapacity); err != nil {
		return nil, core.Invalid("capacity", err)
	}
	member, err := domain.NewMember("", key, req.DisplayName, o.now())
	if err != nil {
		return nil, core.Invalid("displayName", err)
	}

	logger := log.With().Str("module", "orch.admission").
		Str("topic", string(topic)).
		Str("participant", string(key)).
		Logger()

	if res, err := o.rejoin(ctx, topic, member); err != nil || res != nil {
		if res != nil {
			logger.Debug().Str("session_id", string(res.SessionID)).Msg("membership refreshed")
		}
		return res, err
	}

	attempts := o.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for round := 0; round < attempts; round++ {
		open, err := o.Repo.OpenSessions(ctx, topic, candidateLimit)
		if err != nil {
			return nil, err
		}
		if len(open) == 0 {
			break
		}
		for i := range open {
			cand := open[i].Session
			status, err := o.settle(ctx, &cand, open[i].MemberCount)
			if err != nil {
				return nil, err
			}
			if status != domain.StatusForming {
				continue
			}
			member.SessionID = cand.ID
			count, err := o.Repo.JoinForming(ctx, member)
			if isConflict(err) || errors.Is(err, core.ErrNotFound) {
				logger.Debug().Str("session_id", string(cand.ID)).Msg("lost slot, trying next session")
				continue
			}
			if err != nil {
				return nil, err
			}
			logger.Info().Str("session_id", string(cand.ID)).Int("members", count).Msg("joined session")
			return o.admitted(ctx, cand, count, outcomeJoined)
		}
		logger.Debug().Int("round", round+1).Msg("no candidate accepted the join")
	}

	sess := &domain.Session{
		ID:        o.newID(),
		Topic:     topic,
		Status:    domain.StatusForming,
		Capacity:  req.Capacity,
		CreatedAt: o.now(),
	}
	member.SessionID = sess.ID
	if err := o.Repo.CreateWithMember(ctx, sess, member); err != nil {
		return nil, err
	}
	logger.Info().Str("session_id", string(sess.ID)).Int("capacity", sess.Capacity).Msg("created session")
	return o.admitted(ctx, *sess, 1, outcomeCreated)
}

// rejoin handles a participant that already belongs to a forming session of
// the topic. It returns nil, nil when the packing search should run.
func (o *Orchestrator) rejoin(ctx context.Context, topic domain.Topic, member *domain.Member) (*JoinResult, error) {
	sess, err := o.Repo.FindForming(ctx, topic, member.ParticipantKey)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	count, err := o.Repo.CountMembers(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	status, err := o.settle(ctx, sess, count)
	if err != nil {
		return nil, err
	}
	switch status {
	case domain.StatusActive:
		o.Metrics.Admission(outcomeRefreshed)
		return resultOf(sess, count), nil
	case domain.StatusClosed:
		return nil, nil
	}

	member.SessionID = sess.ID
	count, err = o.Repo.JoinForming(ctx, member)
	if isConflict(err) {
		// activated or closed between the evaluation and the refresh
		fresh, err := o.Repo.Session(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == domain.StatusActive {
			n, err := o.Repo.CountMembers(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			o.Metrics.Admission(outcomeRefreshed)
			return resultOf(fresh, n), nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o.admitted(ctx, *sess, count, outcomeRefreshed)
}

// admitted re-evaluates the joined session so the filling join reports active.
func (o *Orchestrator) admitted(ctx context.Context, sess domain.Session, count int, outcome string) (*JoinResult, error) {
	if _, err := o.settle(ctx, &sess, count); err != nil {
		return nil, err
	}
	o.Metrics.Admission(outcome)
	return resultOf(&sess, count), nil
}

func resultOf(s *domain.Session, count int) *JoinResult {
	return &JoinResult{
		SessionID:   s.ID,
		Status:      s.Status,
		Capacity:    s.Capacity,
		MemberCount: count,
	}
}
