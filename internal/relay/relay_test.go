package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Classmate/internal/app"
	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

var errFull = errors.New("full")

// chanSink buffers frames in a channel and refuses them when full.
type chanSink struct {
	ch     chan core.Frame
	mu     sync.Mutex
	closed bool
}

func newSink(n int) *chanSink { return &chanSink{ch: make(chan core.Frame, n)} }

func (s *chanSink) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	select {
	case s.ch <- f:
		return nil
	default:
		return errFull
	}
}

func (s *chanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *chanSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *chanSink) next(t *testing.T) domain.SignalMessage {
	t.Helper()
	select {
	case f := <-s.ch:
		var msg domain.SignalMessage
		require.NoError(t, json.Unmarshal(f, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return domain.SignalMessage{}
}

func (s *chanSink) empty(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.ch:
		t.Fatalf("unexpected frame %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_FanOutPerSession(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	a, b, other := newSink(4), newSink(4), newSink(4)

	_, err := h.Subscribe(ctx, "s1", a)
	require.NoError(t, err)
	subB, err := h.Subscribe(ctx, "s1", b)
	require.NoError(t, err)
	_, err = h.Subscribe(ctx, "s2", other)
	require.NoError(t, err)

	require.NoError(t, h.Publish(ctx, "s1", domain.SignalMessage{Type: domain.SignalJoin, From: "alice"}))
	assert.Equal(t, domain.ParticipantKey("alice"), a.next(t).From)
	assert.Equal(t, domain.SignalJoin, b.next(t).Type)
	other.empty(t)

	require.NoError(t, subB.Close())
	require.NoError(t, subB.Close())
	assert.Equal(t, 1, h.Subscribers("s1"))

	require.NoError(t, h.Publish(ctx, "s1", domain.SignalMessage{Type: domain.SignalLeave, From: "alice"}))
	assert.Equal(t, domain.SignalLeave, a.next(t).Type)
	b.empty(t)
}

func TestHub_LateSubscriberMissesHistory(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, "s1", domain.SignalMessage{Type: domain.SignalJoin, From: "alice"}))

	late := newSink(4)
	_, err := h.Subscribe(ctx, "s1", late)
	require.NoError(t, err)
	late.empty(t)
}

func TestHub_RejectsInvalidMessage(t *testing.T) {
	h := NewHub()
	err := h.Publish(context.Background(), "s1", domain.SignalMessage{Type: "chat", From: "alice"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestHub_BackpressurePolicies(t *testing.T) {
	ctx := context.Background()
	join := domain.SignalMessage{Type: domain.SignalJoin, From: "alice"}

	dropped := 0
	drop := NewHub(WithDropHook(func() { dropped++ }))
	slow := newSink(1)
	_, err := drop.Subscribe(ctx, "s1", slow)
	require.NoError(t, err)
	require.NoError(t, drop.Publish(ctx, "s1", join))
	require.NoError(t, drop.Publish(ctx, "s1", join))
	assert.Equal(t, 1, dropped)
	assert.False(t, slow.isClosed())
	assert.Equal(t, 1, drop.Subscribers("s1"))

	kick := NewHub(WithPolicy(app.StrictPolicy{}))
	slow = newSink(1)
	_, err = kick.Subscribe(ctx, "s1", slow)
	require.NoError(t, err)
	require.NoError(t, kick.Publish(ctx, "s1", join))
	require.NoError(t, kick.Publish(ctx, "s1", join))
	assert.True(t, slow.isClosed())
	assert.Equal(t, 0, kick.Subscribers("s1"))
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.Subscribe(ctx, "s1", newSink(1))
	require.NoError(t, err)
	cancel()
	assert.Eventually(t, func() bool { return h.Subscribers("s1") == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, h.Close())
	_, err = h.Subscribe(context.Background(), "s1", newSink(1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	h := NewHub()
	sink := newSink(1)
	sub, err := h.Subscribe(context.Background(), "s1", sink)
	require.NoError(t, err)
	other, err := h.Subscribe(context.Background(), "s2", newSink(1))
	require.NoError(t, err)

	require.NoError(t, h.Close())
	for _, s := range []core.Subscription{sub, other} {
		select {
		case <-s.(*hubSub).done:
		case <-time.After(time.Second):
			t.Fatal("subscription still open after hub close")
		}
	}
	assert.Equal(t, 0, h.Subscribers("s1"))
	assert.False(t, sink.isClosed(), "sinks stay open")
	assert.NoError(t, sub.Close())
	assert.ErrorIs(t, h.Publish(context.Background(), "s1", domain.SignalMessage{Type: domain.SignalJoin, From: "a"}), ErrClosed)
}

func newRedisRelay(t *testing.T, mr *miniredis.Miniredis) *RedisRelay {
	t.Helper()
	r := NewRedisRelayWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithPrefix("test"))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisRelay_AcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	nodeA := newRedisRelay(t, mr)
	nodeB := newRedisRelay(t, mr)
	ctx := context.Background()

	sink := newSink(4)
	sub, err := nodeB.Subscribe(ctx, "s1", sink)
	require.NoError(t, err)

	offer := domain.SignalMessage{Type: domain.SignalOffer, From: "alice", To: "bob", SDP: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}
	require.NoError(t, nodeA.Publish(ctx, "s1", offer))

	got := sink.next(t)
	assert.Equal(t, domain.SignalOffer, got.Type)
	assert.Equal(t, domain.ParticipantKey("bob"), got.To)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(got.SDP))

	require.NoError(t, nodeA.Publish(ctx, "s2", offer))
	sink.empty(t)

	require.NoError(t, sub.Close())
	require.NoError(t, nodeA.Publish(ctx, "s1", offer))
	sink.empty(t)
}

func TestRedisRelay_ChannelName(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	r := newRedisRelay(t, mr)
	_, err = r.Subscribe(context.Background(), "abc", newSink(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"test:abc"}, mr.PubSubChannels(""))
}

func TestRedisRelay_PublishFailureIsTransient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	r := newRedisRelay(t, mr)
	mr.Close()

	err = r.Publish(context.Background(), "s1", domain.SignalMessage{Type: domain.SignalJoin, From: "alice"})
	assert.ErrorIs(t, err, core.ErrTransient)
}
