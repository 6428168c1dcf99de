// Package relay implements the per-session signaling channel: an in-process
// hub for single-node deployments and Redis pub/sub for several nodes.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/app"
	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

var ErrClosed = errors.New("relay closed")

type options struct {
	policy  app.Policy
	prefix  string
	onDrop  func()
	pending int
}

type Option func(*options)

// WithPolicy sets the backpressure policy. Default: app.SimplePolicy.
func WithPolicy(p app.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithPrefix sets the channel name prefix. Default: "session".
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithDropHook is called once per frame that did not reach a subscriber.
func WithDropHook(fn func()) Option {
	return func(o *options) { o.onDrop = fn }
}

// WithBuffer sets the Redis client-side channel size per subscription.
func WithBuffer(n int) Option {
	return func(o *options) { o.pending = n }
}

func buildOptions(opts []Option) options {
	o := options{policy: app.SimplePolicy{}, prefix: "session", pending: 64}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func encode(msg domain.SignalMessage) (core.Frame, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidInput, err)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return b, nil
}

// deliver hands f to sink and applies the policy when the sink refuses it.
// It reports whether the sink should stay subscribed.
func (o *options) deliver(id domain.SessionID, sink core.SignalConnection, f core.Frame) bool {
	if err := sink.TrySend(f); err == nil {
		return true
	}
	if o.onDrop != nil {
		o.onDrop()
	}
	action := o.policy.OnBackPressure(id, sink)
	log.Debug().Str("module", "relay").
		Str("session_id", string(id)).
		Str("action", action.String()).
		Msg("subscriber backpressure")
	if action == app.KickMember {
		sink.Close()
		return false
	}
	return true
}
