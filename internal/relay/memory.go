package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

// Hub is a threadsafe in-memory relay. It never closes sinks except when the
// policy kicks one.
type Hub struct {
	opts options

	mu       sync.RWMutex
	channels map[domain.SessionID]map[*hubSub]struct{}
	closed   bool
}

var _ core.SignalRelay = (*Hub)(nil)

type hubSub struct {
	hub  *Hub
	id   domain.SessionID
	sink core.SignalConnection
	once sync.Once
	done chan struct{}
}

func NewHub(opts ...Option) *Hub {
	return &Hub{
		opts:     buildOptions(opts),
		channels: make(map[domain.SessionID]map[*hubSub]struct{}),
	}
}

func (h *Hub) Subscribe(ctx context.Context, id domain.SessionID, sink core.SignalConnection) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &hubSub{hub: h, id: id, sink: sink, done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	subs, ok := h.channels[id]
	if !ok {
		subs = make(map[*hubSub]struct{})
		h.channels[id] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	log.Debug().Str("module", "relay.memory").Str("session_id", string(id)).Msg("subscribed")
	return sub, nil
}

func (h *Hub) Publish(ctx context.Context, id domain.SessionID, msg domain.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := encode(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*hubSub, 0, len(h.channels[id]))
	for s := range h.channels[id] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range subs {
		if h.opts.deliver(id, s.sink, f) {
			sent++
			continue
		}
		_ = s.Close()
	}
	log.Debug().Str("module", "relay.memory").
		Str("session_id", string(id)).
		Str("type", string(msg.Type)).
		Int("subscribers", len(subs)).
		Int("sent", sent).
		Msg("published")
	return nil
}

// Subscribers reports how many sinks are attached to a channel.
func (h *Hub) Subscribers(id domain.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[id])
}

// Close detaches every subscription, which also ends their context
// watchers. Sinks are left open.
func (h *Hub) Close() error {
	h.mu.Lock()
	var subs []*hubSub
	for _, set := range h.channels {
		for s := range set {
			subs = append(subs, s)
		}
	}
	h.closed = true
	h.channels = make(map[domain.SessionID]map[*hubSub]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[s.id]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.channels, s.id)
	}
}

func (s *hubSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
	return nil
}
