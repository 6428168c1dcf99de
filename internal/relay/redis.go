package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/config"
	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

// RedisRelay publishes signaling frames on <prefix>:<sessionId> so that
// participants connected to different server processes see each other.
type RedisRelay struct {
	opts   options
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

var _ core.SignalRelay = (*RedisRelay)(nil)

type redisSub struct {
	relay  *RedisRelay
	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
}

// NewRedisRelay connects to Redis and checks the connection.
func NewRedisRelay(ctx context.Context, cfg config.RedisConfig, opts ...Option) (*RedisRelay, error) {
	if cfg.Prefix != "" {
		opts = append([]Option{WithPrefix(cfg.Prefix)}, opts...)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisRelayWithClient(client, opts...), nil
}

func NewRedisRelayWithClient(client *redis.Client, opts ...Option) *RedisRelay {
	return &RedisRelay{
		opts:   buildOptions(opts),
		client: client,
		logger: log.With().Str("module", "relay.redis").Logger(),
		subs:   make(map[*redisSub]struct{}),
	}
}

func (r *RedisRelay) channel(id domain.SessionID) string {
	return domain.ChannelName(r.opts.prefix, id)
}

func (r *RedisRelay) Publish(ctx context.Context, id domain.SessionID, msg domain.SignalMessage) error {
	f, err := encode(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(id), []byte(f)).Err(); err != nil {
		return core.Transient("publish signal", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so frames
// published after it returns reach sink.
func (r *RedisRelay) Subscribe(ctx context.Context, id domain.SessionID, sink core.SignalConnection) (core.Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ch := r.channel(id)
	ps := r.client.Subscribe(ctx, ch)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, core.Transient("subscribe signal", err)
	}
	sub := &redisSub{relay: r, pubsub: ps, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	msgs := ps.Channel(redis.WithChannelSize(r.opts.pending))
	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if !r.opts.deliver(id, sink, core.Frame(m.Payload)) {
					return
				}
			}
		}
	}()
	r.logger.Debug().Str("channel", ch).Msg("subscribed")
	return sub, nil
}

// Close releases every subscription and the client.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return r.client.Close()
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.relay.mu.Lock()
		delete(s.relay.subs, s)
		s.relay.mu.Unlock()
	})
	return err
}
