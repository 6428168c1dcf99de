package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

var (
	errSubscribed = errors.New("call: channel already subscribed")
	// ErrChannelDropped is passed to lost when the relay drops the subscriber.
	ErrChannelDropped = errors.New("call: dropped by relay")
)

// RelayChannel attaches a negotiator directly to a SignalRelay, for peers
// living in the same process as the relay.
type RelayChannel struct {
	relay   core.SignalRelay
	session domain.SessionID

	mu   sync.Mutex
	sub  core.Subscription
	sink *handlerSink
}

func NewRelayChannel(relay core.SignalRelay, session domain.SessionID) *RelayChannel {
	return &RelayChannel{relay: relay, session: session}
}

func (c *RelayChannel) Subscribe(ctx context.Context, handler func(domain.SignalMessage), lost func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return errSubscribed
	}
	sink := &handlerSink{handle: handler}
	sink.lost = func() {
		c.mu.Lock()
		current := c.sink == sink
		if current {
			c.sub, c.sink = nil, nil
		}
		c.mu.Unlock()
		if current && lost != nil {
			lost(ErrChannelDropped)
		}
	}
	sub, err := c.relay.Subscribe(ctx, c.session, sink)
	if err != nil {
		return err
	}
	c.sub, c.sink = sub, sink
	return nil
}

func (c *RelayChannel) Publish(ctx context.Context, msg domain.SignalMessage) error {
	return c.relay.Publish(ctx, c.session, msg)
}

func (c *RelayChannel) Unsubscribe() error {
	c.mu.Lock()
	sub := c.sub
	c.sub, c.sink = nil, nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

// handlerSink decodes relay frames into signal messages. The relay closes
// it only when it drops the subscriber.
type handlerSink struct {
	handle func(domain.SignalMessage)
	lost   func()
	once   sync.Once
}

func (h *handlerSink) TrySend(f core.Frame) error {
	var msg domain.SignalMessage
	if err := json.Unmarshal(f, &msg); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("undecodable frame")
		return nil
	}
	h.handle(msg)
	return nil
}

func (h *handlerSink) Close() {
	h.once.Do(h.lost)
}
