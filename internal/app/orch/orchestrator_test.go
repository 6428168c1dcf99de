package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dkeye/Classmate/internal/app"
	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
	"github.com/dkeye/Classmate/internal/relay"
	"github.com/dkeye/Classmate/internal/storage"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	orch  *Orchestrator
	repo  *storage.Store
	clock *fakeClock
	hub   *relay.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: storage.NewGormLogger().LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, storage.Migrate(db))
	repo := storage.NewStore(db)
	t.Cleanup(func() { _ = repo.Close() })

	clock := &fakeClock{now: t0}
	hub := relay.NewHub()
	var seq atomic.Int64
	o := &Orchestrator{
		Repo:        repo,
		Relay:       hub,
		Registry:    app.NewRegistry(),
		Lifecycle:   core.DefaultLifecyclePolicy(),
		MaxAttempts: 3,
		MaxCapacity: 50,
		Now:         clock.Now,
		NewID: func() domain.SessionID {
			return domain.SessionID(fmt.Sprintf("s%03d", seq.Add(1)))
		},
	}
	return &fixture{orch: o, repo: repo, clock: clock, hub: hub}
}

func (f *fixture) join(t *testing.T, topic, key string, capacity int) *JoinResult {
	t.Helper()
	res, err := f.orch.Join(context.Background(), JoinRequest{Topic: topic, ParticipantKey: key, Capacity: capacity})
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T, id domain.SessionID) *StatusView {
	t.Helper()
	view, err := f.orch.Status(context.Background(), string(id))
	require.NoError(t, err)
	return view
}

func TestJoin_FillActivatesImmediately(t *testing.T) {
	f := newFixture(t)

	first := f.join(t, "math", "alice", 2)
	assert.Equal(t, domain.StatusForming, first.Status)
	assert.Equal(t, 1, first.MemberCount)
	assert.Equal(t, 2, first.Capacity)

	f.clock.Advance(10 * time.Second)
	second := f.join(t, "math", "bob", 2)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, domain.StatusActive, second.Status)
	assert.Equal(t, 2, second.MemberCount)

	view := f.status(t, first.SessionID)
	assert.Equal(t, domain.StatusActive, view.Session.Status)
	require.Len(t, view.Members, 2)
	assert.Equal(t, domain.ParticipantKey("alice"), view.Members[0].ParticipantKey)
	assert.Equal(t, domain.ParticipantKey("bob"), view.Members[1].ParticipantKey)
}

func TestJoin_AbandonedSessionCloses(t *testing.T) {
	f := newFixture(t)
	res := f.join(t, "math", "alice", 2)

	f.clock.Advance(181 * time.Second)
	view := f.status(t, res.SessionID)
	assert.Equal(t, domain.StatusClosed, view.Session.Status)
	assert.Equal(t, 1, view.MemberCount)

	// never reverts
	f.clock.Advance(time.Hour)
	assert.Equal(t, domain.StatusClosed, f.status(t, res.SessionID).Session.Status)
}

func TestJoin_Idempotent(t *testing.T) {
	f := newFixture(t)
	first := f.join(t, "math", "alice", 4)
	f.clock.Advance(5 * time.Second)
	again := f.join(t, "math", "alice", 4)

	assert.Equal(t, first.SessionID, again.SessionID)
	assert.Equal(t, 1, again.MemberCount)

	members, err := f.repo.Members(context.Background(), first.SessionID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].JoinedAt.Equal(t0.Add(5*time.Second)))
}

func TestJoin_TimeoutActivation(t *testing.T) {
	f := newFixture(t)
	res := f.join(t, "math", "alice", 5)
	f.join(t, "math", "bob", 5)

	f.clock.Advance(179 * time.Second)
	assert.Equal(t, domain.StatusForming, f.status(t, res.SessionID).Session.Status)

	f.clock.Advance(time.Second)
	assert.Equal(t, domain.StatusActive, f.status(t, res.SessionID).Session.Status)

	f.clock.Advance(time.Hour)
	assert.Equal(t, domain.StatusActive, f.status(t, res.SessionID).Session.Status)
}

func TestJoin_SkipsTimedOutCandidate(t *testing.T) {
	f := newFixture(t)
	stale := f.join(t, "math", "alice", 3)

	f.clock.Advance(200 * time.Second)
	fresh := f.join(t, "math", "bob", 3)

	assert.NotEqual(t, stale.SessionID, fresh.SessionID)
	assert.Equal(t, 1, fresh.MemberCount)
	assert.Equal(t, domain.StatusClosed, f.status(t, stale.SessionID).Session.Status)
}

func TestJoin_ClosedMembershipIsNotReused(t *testing.T) {
	f := newFixture(t)
	stale := f.join(t, "math", "alice", 3)

	f.clock.Advance(200 * time.Second)
	again := f.join(t, "math", "alice", 3)
	assert.NotEqual(t, stale.SessionID, again.SessionID)
	assert.Equal(t, domain.StatusForming, again.Status)
}

func TestJoin_ActiveMembershipIsReturned(t *testing.T) {
	f := newFixture(t)
	res := f.join(t, "math", "alice", 5)
	f.join(t, "math", "bob", 5)

	f.clock.Advance(3 * time.Minute)
	again := f.join(t, "math", "alice", 5)
	assert.Equal(t, res.SessionID, again.SessionID)
	assert.Equal(t, domain.StatusActive, again.Status)
	assert.Equal(t, 2, again.MemberCount)
}

func TestJoin_PrefersOldestSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, created := range []time.Time{t0.Add(time.Second), t0} {
		id := domain.SessionID(fmt.Sprintf("pre-%d", i))
		sess := &domain.Session{ID: id, Topic: "x", Status: domain.StatusForming, Capacity: 3, CreatedAt: created}
		m, err := domain.NewMember(id, domain.ParticipantKey(fmt.Sprintf("seed-%d", i)), "", created)
		require.NoError(t, err)
		require.NoError(t, f.repo.CreateWithMember(ctx, sess, m))
	}

	f.clock.Advance(5 * time.Second)
	res := f.join(t, "x", "carol", 3)
	assert.Equal(t, domain.SessionID("pre-1"), res.SessionID)
	assert.Equal(t, 2, res.MemberCount)
}

func TestJoin_TopicsDoNotMix(t *testing.T) {
	f := newFixture(t)
	a := f.join(t, "math", "alice", 2)
	b := f.join(t, "art", "bob", 2)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, domain.StatusForming, b.Status)
}

func TestJoin_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		req   JoinRequest
		field string
	}{
		{"empty topic", JoinRequest{Topic: " ", ParticipantKey: "alice", Capacity: 2}, "topic"},
		{"missing key", JoinRequest{Topic: "math", Capacity: 2}, "participantKey"},
		{"zero capacity", JoinRequest{Topic: "math", ParticipantKey: "alice"}, "capacity"},
		{"negative capacity", JoinRequest{Topic: "math", ParticipantKey: "alice", Capacity: -1}, "capacity"},
		{"huge capacity", JoinRequest{Topic: "math", ParticipantKey: "alice", Capacity: 51}, "capacity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Join(ctx, tc.req)
			require.ErrorIs(t, err, core.ErrInvalidInput)
			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestJoin_ConcurrentNeverOverfills(t *testing.T) {
	f := newFixture(t)
	const (
		joiners  = 12
		capacity = 3
	)
	results := make([]*JoinResult, joiners)
	var wg conc.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Go(func() {
			res, err := f.orch.Join(context.Background(), JoinRequest{
				Topic:          "math",
				ParticipantKey: fmt.Sprintf("p%02d", i),
				Capacity:       capacity,
			})
			assert.NoError(t, err)
			results[i] = res
		})
	}
	wg.Wait()

	bySession := map[domain.SessionID]int{}
	for _, r := range results {
		require.NotNil(t, r)
		bySession[r.SessionID]++
	}
	total := 0
	for id := range bySession {
		n, err := f.repo.CountMembers(context.Background(), id)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, capacity, "session %s", id)
		total += n
	}
	assert.Equal(t, joiners, total)
	assert.GreaterOrEqual(t, len(bySession), joiners/capacity)
}

// conflictOnce makes the first JoinForming lose its slot.
type conflictOnce struct {
	core.Repository
	fired atomic.Bool
}

func (r *conflictOnce) JoinForming(ctx context.Context, m *domain.Member) (int, error) {
	if r.fired.CompareAndSwap(false, true) {
		return 0, fmt.Errorf("lost race: %w", core.ErrConflict)
	}
	return r.Repository.JoinForming(ctx, m)
}

func TestJoin_AbsorbsLostRace(t *testing.T) {
	f := newFixture(t)
	first := f.join(t, "math", "alice", 3)

	f.orch.Repo = &conflictOnce{Repository: f.repo}
	res, err := f.orch.Join(context.Background(), JoinRequest{Topic: "math", ParticipantKey: "bob", Capacity: 3})
	require.NoError(t, err)
	// the retry round finds the same session again
	assert.Equal(t, first.SessionID, res.SessionID)
	assert.Equal(t, 2, res.MemberCount)
}

func TestStatus_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.orch.Status(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestLeave_LastMemberClosesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.join(t, "math", "alice", 2)
	f.join(t, "math", "bob", 2)

	left, err := f.orch.Leave(ctx, string(res.SessionID), "alice")
	require.NoError(t, err)
	assert.Equal(t, &LeaveResult{Remaining: 1, Closed: false}, left)
	assert.Equal(t, domain.StatusActive, f.status(t, res.SessionID).Session.Status)

	left, err = f.orch.Leave(ctx, string(res.SessionID), "bob")
	require.NoError(t, err)
	assert.Equal(t, &LeaveResult{Remaining: 0, Closed: true}, left)
	assert.Equal(t, domain.StatusClosed, f.status(t, res.SessionID).Session.Status)

	next := f.join(t, "math", "alice", 2)
	assert.NotEqual(t, res.SessionID, next.SessionID)

	_, err = f.orch.Leave(ctx, "missing", "bob")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (s *recordingSink) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) Close() {}

func (s *recordingSink) messages(t *testing.T) []domain.SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SignalMessage, 0, len(s.frames))
	for _, f := range s.frames {
		var msg domain.SignalMessage
		require.NoError(t, json.Unmarshal(f, &msg))
		out = append(out, msg)
	}
	return out
}

func TestLeave_NotifiesPeersAndDropsConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.join(t, "math", "alice", 2)
	f.join(t, "math", "bob", 2)

	peer := &recordingSink{}
	_, _, err := f.orch.Subscribe(ctx, string(res.SessionID), "bob", peer)
	require.NoError(t, err)

	kicked := false
	sess := core.NewSignalSession(res.SessionID, "alice", &recordingSink{})
	f.orch.Registry.Bind("conn-alice", sess, func() { kicked = true })
	assert.Equal(t, []domain.ParticipantKey{"alice"}, f.status(t, res.SessionID).Connected)

	_, err = f.orch.Leave(ctx, string(res.SessionID), "alice")
	require.NoError(t, err)

	msgs := peer.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SignalLeave, msgs[0].Type)
	assert.Equal(t, domain.ParticipantKey("alice"), msgs[0].From)
	assert.True(t, kicked)
}

func TestSubscribe_RefusesClosedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.join(t, "math", "alice", 2)
	_, err := f.orch.Leave(ctx, string(res.SessionID), "alice")
	require.NoError(t, err)

	_, _, err = f.orch.Subscribe(ctx, string(res.SessionID), "alice", &recordingSink{})
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, _, err = f.orch.Subscribe(ctx, "missing", "alice", &recordingSink{})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPublish_ValidatesType(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Publish(context.Background(), "s1", domain.SignalMessage{Type: "chat", From: "alice"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSessionJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.join(t, "math", "alice", 3)
	f.join(t, "math", "bob", 3)
	f.clock.Advance(3 * time.Minute)

	// active sessions still accept direct joins while there is room
	got, err := f.orch.SessionJoin(ctx, string(res.SessionID), "carol", "Carol")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, 3, got.MemberCount)

	// refresh by an existing member is fine when full
	got, err = f.orch.SessionJoin(ctx, string(res.SessionID), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 3, got.MemberCount)

	_, err = f.orch.SessionJoin(ctx, string(res.SessionID), "dave", "")
	assert.ErrorIs(t, err, ErrSessionFull)
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = f.orch.SessionJoin(ctx, "missing", "dave", "")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.orch.SessionJoin(ctx, string(res.SessionID), "", "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSessionJoin_TimedOutSessionIsClosed(t *testing.T) {
	f := newFixture(t)
	res := f.join(t, "math", "alice", 3)
	f.clock.Advance(4 * time.Minute)

	_, err := f.orch.SessionJoin(context.Background(), string(res.SessionID), "bob", "")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestOpenSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.join(t, "math", "alice", 2)
	f.join(t, "math", "bob", 2)
	c := f.join(t, "math", "carol", 3)

	open, err := f.orch.OpenSessions(ctx, "math")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, c.SessionID, open[0].ID)
	assert.NotEqual(t, a.SessionID, open[0].ID)

	f.clock.Advance(4 * time.Minute)
	open, err = f.orch.OpenSessions(ctx, "math")
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = f.orch.OpenSessions(ctx, "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.join(t, "math", "alice", 2)
	f.join(t, "math", "bob", 2)

	pruned, closed, err := f.orch.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)
	assert.Zero(t, closed)

	f.orch.MemberTTL = 10 * time.Minute
	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.orch.Heartbeat(ctx, string(res.SessionID), "bob"))

	f.clock.Advance(6 * time.Minute)
	pruned, closed, err = f.orch.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.Zero(t, closed)

	f.clock.Advance(10 * time.Minute)
	pruned, closed, err = f.orch.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
	assert.Equal(t, 1, closed)
	assert.Equal(t, domain.StatusClosed, f.status(t, res.SessionID).Session.Status)
}

func TestHeartbeat_KeepsMemberOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.join(t, "math", "alice", 2)
	f.clock.Advance(time.Second)
	f.join(t, "math", "bob", 2)

	for i := 0; i < 3; i++ {
		f.clock.Advance(5 * time.Second)
		require.NoError(t, f.orch.Heartbeat(ctx, string(res.SessionID), "alice"))
		view := f.status(t, res.SessionID)
		require.Len(t, view.Members, 2)
		assert.Equal(t, domain.ParticipantKey("alice"), view.Members[0].ParticipantKey)
		assert.Equal(t, domain.ParticipantKey("bob"), view.Members[1].ParticipantKey)
		assert.True(t, view.Members[0].JoinedAt.Equal(t0))
	}

	err := f.orch.Heartbeat(ctx, string(res.SessionID), "carol")
	assert.ErrorIs(t, err, core.ErrNotFound)
	err = f.orch.Heartbeat(ctx, "", "alice")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeInvalidInput, Code(core.Invalid("topic", domain.ErrTopicEmpty)))
	assert.Equal(t, CodeNotFound, Code(fmt.Errorf("get session: %w", core.ErrNotFound)))
	assert.Equal(t, CodeSessionFull, Code(ErrSessionFull))
	assert.Equal(t, CodeSessionClosed, Code(ErrSessionClosed))
	assert.Equal(t, CodeTryAgain, Code(core.Transient("join", assert.AnError)))
}
