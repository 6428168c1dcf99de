package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

type StatusView struct {
	Session     domain.Session  `json:"session"`
	Members     []domain.Member `json:"members"`
	MemberCount int             `json:"memberCount"`
	// Connected lists members with a live signaling socket on this node.
	Connected []domain.ParticipantKey `json:"connected"`
}

type MembershipResult struct {
	SessionID   domain.SessionID `json:"sessionId"`
	Status      domain.Status    `json:"status"`
	MemberCount int              `json:"memberCount"`
}

type LeaveResult struct {
	Remaining int  `json:"remaining"`
	Closed    bool `json:"closed"`
}

// Status returns the session with the lifecycle applied. Unknown ids are
// reported as core.ErrNotFound; nothing is created.
func (o *Orchestrator) Status(ctx context.Context, rawID string) (*StatusView, error) {
	id, err := sessionID(rawID)
	if err != nil {
		return nil, err
	}
	sess, err := o.Repo.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := o.Repo.Members(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := o.settle(ctx, sess, len(members)); err != nil {
		return nil, err
	}
	view := &StatusView{Session: *sess, Members: members, MemberCount: len(members), Connected: []domain.ParticipantKey{}}
	if o.Registry != nil {
		view.Connected = o.Registry.Participants(id)
	}
	return view, nil
}

// SessionJoin upserts a membership in a known session, forming or active.
// It refreshes joined_at, so a member that repeats it moves to the back of
// the join order.
func (o *Orchestrator) SessionJoin(ctx context.Context, rawID, rawKey, displayName string) (*MembershipResult, error) {
	id, err := sessionID(rawID)
	if err != nil {
		return nil, err
	}
	key, err := participantKey(rawKey)
	if err != nil {
		return nil, err
	}
	member, err := domain.NewMember(id, key, displayName, o.now())
	if err != nil {
		return nil, core.Invalid("displayName", err)
	}

	sess, err := o.Repo.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := o.Repo.CountMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	if status, err := o.settle(ctx, sess, count); err != nil {
		return nil, err
	} else if status == domain.StatusClosed {
		return nil, ErrSessionClosed
	}

	count, err = o.Repo.JoinOpen(ctx, member)
	if isConflict(err) {
		fresh, ferr := o.Repo.Session(ctx, id)
		if ferr != nil {
			return nil, ferr
		}
		if fresh.Status == domain.StatusClosed {
			return nil, ErrSessionClosed
		}
		return nil, ErrSessionFull
	}
	if err != nil {
		return nil, err
	}
	if _, err := o.settle(ctx, sess, count); err != nil {
		return nil, err
	}
	log.Info().Str("module", "orch.membership").
		Str("session_id", string(id)).
		Str("participant", string(key)).
		Int("members", count).
		Msg("session join")
	return &MembershipResult{SessionID: id, Status: sess.Status, MemberCount: count}, nil
}

// Heartbeat marks a member as still present for the sweep. Unlike
// SessionJoin it leaves joined_at, and with it the member order, untouched.
func (o *Orchestrator) Heartbeat(ctx context.Context, rawID, rawKey string) error {
	id, err := sessionID(rawID)
	if err != nil {
		return err
	}
	key, err := participantKey(rawKey)
	if err != nil {
		return err
	}
	if err := o.Repo.Touch(ctx, id, key, o.now()); err != nil {
		return err
	}
	log.Debug().Str("module", "orch.membership").
		Str("session_id", string(id)).
		Str("participant", string(key)).
		Msg("heartbeat")
	return nil
}

// Leave removes the membership. The session closes when nobody is left.
// Leaving a session one is not part of is not an error.
func (o *Orchestrator) Leave(ctx context.Context, rawID, rawKey string) (*LeaveResult, error) {
	id, err := sessionID(rawID)
	if err != nil {
		return nil, err
	}
	key, err := participantKey(rawKey)
	if err != nil {
		return nil, err
	}
	remaining, closed, err := o.Repo.Leave(ctx, id, key)
	if err != nil {
		return nil, err
	}
	if closed {
		o.Metrics.Transition(string(domain.StatusClosed))
	}
	log.Info().Str("module", "orch.membership").
		Str("session_id", string(id)).
		Str("participant", string(key)).
		Int("remaining", remaining).
		Bool("closed", closed).
		Msg("leave")

	o.notifyLeave(ctx, id, key)
	return &LeaveResult{Remaining: remaining, Closed: closed}, nil
}

// OpenSessions lists the forming sessions of a topic that still accept
// members, oldest first.
func (o *Orchestrator) OpenSessions(ctx context.Context, rawTopic string) ([]core.OpenSession, error) {
	topic, err := domain.NewTopic(rawTopic)
	if err != nil {
		return nil, core.Invalid("topic", err)
	}
	open, err := o.Repo.OpenSessions(ctx, topic, listLimit)
	if err != nil {
		return nil, err
	}
	out := make([]core.OpenSession, 0, len(open))
	for i := range open {
		status, err := o.settle(ctx, &open[i].Session, open[i].MemberCount)
		if err != nil {
			return nil, err
		}
		if status == domain.StatusForming {
			out = append(out, open[i])
		}
	}
	return out, nil
}

// Sweep prunes memberships that were not seen within MemberTTL and
// closes the sessions they leave empty. It does nothing when MemberTTL is 0.
func (o *Orchestrator) Sweep(ctx context.Context) (pruned, closed int, err error) {
	if o.MemberTTL <= 0 {
		log.Debug().Str("module", "orch.sweep").Msg("member ttl disabled, nothing to sweep")
		return 0, 0, nil
	}
	cutoff := o.now().Add(-o.MemberTTL)
	start := time.Now()
	pruned, closed, err = o.Repo.PruneStale(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < closed; i++ {
		o.Metrics.Transition(string(domain.StatusClosed))
	}
	log.Info().Str("module", "orch.sweep").
		Time("cutoff", cutoff).
		Int("pruned", pruned).
		Int("closed", closed).
		Dur("took", time.Since(start)).
		Msg("sweep done")
	return pruned, closed, nil
}
