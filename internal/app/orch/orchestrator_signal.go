package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

const notifyTimeout = 2 * time.Second

// Subscribe attaches a participant's signaling sink to the session channel.
// Closed and unknown sessions are refused.
func (o *Orchestrator) Subscribe(ctx context.Context, rawID, rawKey string, sink core.SignalConnection) (core.SignalSession, core.Subscription, error) {
	id, err := sessionID(rawID)
	if err != nil {
		return nil, nil, err
	}
	key, err := participantKey(rawKey)
	if err != nil {
		return nil, nil, err
	}
	sess, err := o.Repo.Session(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status == domain.StatusClosed {
		return nil, nil, ErrSessionClosed
	}
	sub, err := o.Relay.Subscribe(ctx, id, sink)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "orch.signal").
		Str("session_id", string(id)).
		Str("participant", string(key)).
		Msg("subscribed")
	return core.NewSignalSession(id, key, sink), sub, nil
}

// Publish relays msg on the session channel. From is set by the caller.
func (o *Orchestrator) Publish(ctx context.Context, id domain.SessionID, msg domain.SignalMessage) error {
	if err := msg.Validate(); err != nil {
		return core.Invalid("type", err)
	}
	if err := o.Relay.Publish(ctx, id, msg); err != nil {
		return err
	}
	o.Metrics.Signal(string(msg.Type))
	return nil
}

// notifyLeave tells the remaining peers that key left and drops its local
// signaling connection. Best effort: failures are only logged.
func (o *Orchestrator) notifyLeave(ctx context.Context, id domain.SessionID, key domain.ParticipantKey) {
	if o.Relay != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		err := o.Publish(ctx, id, domain.SignalMessage{Type: domain.SignalLeave, From: key})
		if err != nil {
			log.Warn().Err(err).Str("module", "orch.signal").
				Str("session_id", string(id)).
				Str("participant", string(key)).
				Msg("leave notification failed")
		}
	}
	if o.Registry != nil {
		o.Registry.Kick(id, key)
	}
}
