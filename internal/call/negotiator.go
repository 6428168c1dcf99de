// Package call drives one participant's side of a two-party call: local
// media, presence on the session's signaling channel, and the offer/answer
// handshake with whichever peer shows up.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/domain"
)

type State string

const (
	StateIdle          State = "idle"
	StateAwaitingMedia State = "awaiting_local_media"
	StateSubscribing   State = "channel_subscribing"
	StateWaiting       State = "waiting_for_peer"
	StateNegotiating   State = "negotiating"
	StateConnected     State = "connected"
	StateEnded         State = "ended"
	StateMediaFailed   State = "media_failed"
)

var (
	// ErrMediaUnavailable ends the attempt; Start may be called again.
	ErrMediaUnavailable = errors.New("call: local media unavailable")
	// ErrSignaling is retryable by calling Start again. After Start it is
	// only reported; the negotiator re-subscribes on its own.
	ErrSignaling = errors.New("call: signaling unavailable")
	// ErrPeerFailed is reported through OnError; the negotiator returns to waiting.
	ErrPeerFailed = errors.New("call: peer connection failed")

	ErrEnded   = errors.New("call: ended")
	ErrStarted = errors.New("call: already started")
)

type Config struct {
	Session domain.SessionID
	Self    domain.ParticipantKey
	Media   MediaSource
	Signal  SignalChannel
	Peers   core.MediaConnectionFactory
	Logger  *zerolog.Logger
	// RetryDelay is the first pause between re-subscribe attempts after the
	// channel is lost. It doubles up to maxRetryDelay.
	RetryDelay time.Duration

	// OnState and OnError are delivered in order on a separate goroutine and
	// may call back into the negotiator, Leave included.
	OnState func(State)
	OnError func(error)
	OnTrack func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

const (
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

type Negotiator struct {
	cfg    Config
	logger zerolog.Logger
	inbox  *inbox
	notes  *notifier

	mu         sync.Mutex
	state      State
	track      webrtc.TrackLocal
	subscribed bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	// bound peer
	peer       domain.ParticipantKey
	conn       core.MediaConnection
	gen        int
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	seen       map[string]struct{}
	awaitReply bool
}

func New(cfg Config) *Negotiator {
	logger := log.With().Str("module", "call").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("session_id", string(cfg.Session)).Str("participant", string(cfg.Self)).Logger()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Negotiator{
		cfg:    cfg,
		logger: logger,
		inbox:  newInbox(),
		notes:  &notifier{},
		state:  StateIdle,
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Peer returns the participant currently bound, if any.
func (n *Negotiator) Peer() domain.ParticipantKey {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peer
}

// setState must be called with n.mu held.
func (n *Negotiator) setState(s State) {
	if n.state == s {
		return
	}
	n.logger.Info().Str("from", string(n.state)).Str("to", string(s)).Msg("call state")
	n.state = s
	if fn := n.cfg.OnState; fn != nil {
		n.notes.push(func() { fn(s) })
	}
}

func (n *Negotiator) report(err error) {
	n.logger.Warn().Err(err).Msg("call error")
	if fn := n.cfg.OnError; fn != nil {
		n.notes.push(func() { fn(err) })
	}
}

// Start acquires local media, subscribes to the session channel and
// announces presence. It is valid from idle and media_failed.
func (n *Negotiator) Start(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateIdle, StateMediaFailed:
	case StateEnded:
		n.mu.Unlock()
		return ErrEnded
	default:
		n.mu.Unlock()
		return ErrStarted
	}
	track := n.track
	if track == nil {
		n.setState(StateAwaitingMedia)
	}
	n.mu.Unlock()

	if track == nil {
		acquired, err := n.cfg.Media.Acquire(ctx)
		n.mu.Lock()
		if n.state == StateEnded {
			n.mu.Unlock()
			if err == nil {
				_ = n.cfg.Media.Release()
			}
			return ErrEnded
		}
		if err != nil {
			n.setState(StateMediaFailed)
			n.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		}
		n.track = acquired
		n.mu.Unlock()
	}

	n.mu.Lock()
	n.setState(StateSubscribing)
	n.mu.Unlock()

	if err := n.cfg.Signal.Subscribe(ctx, n.receive, n.channelLost); err != nil {
		return n.subscribeFailed(err)
	}

	n.mu.Lock()
	if n.state == StateEnded {
		n.mu.Unlock()
		_ = n.cfg.Signal.Unsubscribe()
		return ErrEnded
	}
	n.subscribed = true
	n.mu.Unlock()

	if err := n.cfg.Signal.Publish(ctx, domain.SignalMessage{Type: domain.SignalJoin, From: n.cfg.Self}); err != nil {
		_ = n.cfg.Signal.Unsubscribe()
		n.mu.Lock()
		n.subscribed = false
		n.mu.Unlock()
		return n.subscribeFailed(err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateEnded {
		return ErrEnded
	}
	n.ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))
	n.done = make(chan struct{})
	n.setState(StateWaiting)
	go n.run(n.ctx, n.done)
	return nil
}

// subscribeFailed keeps the acquired track so a retry skips media capture.
func (n *Negotiator) subscribeFailed(err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateEnded {
		return ErrEnded
	}
	n.setState(StateIdle)
	return fmt.Errorf("%w: %w", ErrSignaling, err)
}

// Leave ends the call from any state. Every teardown step runs; their
// failures are joined.
func (n *Negotiator) Leave(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateEnded {
		n.mu.Unlock()
		return nil
	}
	n.setState(StateEnded)
	subscribed := n.subscribed
	n.subscribed = false
	conn := n.conn
	n.unbindLocked()
	track := n.track
	n.track = nil
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	if subscribed {
		if err := n.cfg.Signal.Publish(ctx, domain.SignalMessage{Type: domain.SignalLeave, From: n.cfg.Self}); err != nil {
			errs = append(errs, fmt.Errorf("announce leave: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer: %w", err))
		}
	}
	if subscribed {
		if err := n.cfg.Signal.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
	}
	if track != nil {
		if err := n.cfg.Media.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release media: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warn().Err(err).Msg("teardown incomplete")
	}
	return err
}

// unbindLocked forgets the bound peer without closing its connection.
func (n *Negotiator) unbindLocked() {
	n.peer = ""
	n.conn = nil
	n.gen++
	n.remoteSet = false
	n.pending = nil
	n.seen = nil
	n.awaitReply = false
}

// dropPeerLocked closes the bound peer's connection and returns to waiting.
func (n *Negotiator) dropPeerLocked() {
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("peer close")
		}
	}
	n.unbindLocked()
	n.setState(StateWaiting)
}
