package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Classmate/internal/domain"
)

type eventKind int

const (
	evSignal eventKind = iota
	evLocalICE
	evPeerState
	evChannelLost
)

type event struct {
	kind      eventKind
	msg       domain.SignalMessage
	gen       int
	candidate webrtc.ICECandidateInit
	peerState webrtc.PeerConnectionState
	err       error
}

// inbox is an unbounded queue; pushing never blocks so relay and pion
// callbacks can feed the loop from any goroutine, including the loop's own.
type inbox struct {
	mu     sync.Mutex
	events []event
	wake   chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (b *inbox) push(ev event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := b.events
	b.events = nil
	return evs
}

// notifier runs callbacks in push order on a goroutine that lives only
// while the queue is non-empty.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (q *notifier) push(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *notifier) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()
		fn()
	}
}

// receive is the SignalChannel handler.
func (n *Negotiator) receive(msg domain.SignalMessage) {
	if !msg.AddressedTo(n.cfg.Self) {
		return
	}
	n.inbox.push(event{kind: evSignal, msg: msg})
}

func (n *Negotiator) channelLost(err error) {
	n.inbox.push(event{kind: evChannelLost, err: err})
}

func live(s State) bool {
	return s == StateWaiting || s == StateNegotiating || s == StateConnected
}

func (n *Negotiator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.inbox.wake:
		}
		for _, ev := range n.inbox.drain() {
			if ctx.Err() != nil {
				return
			}
			if ev.kind == evChannelLost {
				n.resubscribe(ctx, ev.err)
				continue
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Negotiator) handle(ctx context.Context, ev event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !live(n.state) {
		return
	}
	switch ev.kind {
	case evSignal:
		n.onSignal(ctx, ev.msg)
	case evLocalICE:
		if ev.gen != n.gen || n.peer == "" {
			return
		}
		raw, err := json.Marshal(ev.candidate)
		if err != nil {
			return
		}
		msg := domain.SignalMessage{Type: domain.SignalICE, From: n.cfg.Self, To: n.peer, Candidate: raw}
		if err := n.cfg.Signal.Publish(ctx, msg); err != nil {
			n.logger.Warn().Err(err).Msg("publish candidate")
		}
	case evPeerState:
		if ev.gen != n.gen {
			return
		}
		switch ev.peerState {
		case webrtc.PeerConnectionStateConnected:
			n.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			n.report(fmt.Errorf("%w: %s", ErrPeerFailed, n.peer))
			n.dropPeerLocked()
			n.announceLocked(ctx, "")
		}
	}
}

func (n *Negotiator) onSignal(ctx context.Context, msg domain.SignalMessage) {
	from := msg.From
	bound := n.peer != ""
	if bound && from != n.peer {
		n.logger.Debug().Str("from", string(from)).Str("type", string(msg.Type)).Msg("ignoring third participant")
		return
	}

	switch msg.Type {
	case domain.SignalJoin:
		// A join addressed to us is a presence reply and is never answered.
		broadcast := msg.To == ""
		if bound && !broadcast {
			return
		}
		if !bound {
			n.bindLocked(from)
		}
		if broadcast {
			n.announceLocked(ctx, from)
		}
		if n.offers() {
			n.offerLocked(ctx)
		}

	case domain.SignalOffer:
		if !bound {
			n.bindLocked(from)
		}
		n.answerLocked(ctx, msg)

	case domain.SignalAnswer:
		if !bound || n.conn == nil || !n.awaitReply {
			return
		}
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.SDP, &sdp); err != nil {
			n.logger.Warn().Err(err).Msg("bad answer payload")
			return
		}
		if err := n.conn.ApplyAnswer(sdp); err != nil {
			n.peerFailedLocked(fmt.Errorf("apply answer: %w", err))
			return
		}
		n.awaitReply = false
		n.remoteSet = true
		n.flushLocked()

	case domain.SignalICE:
		if !bound {
			return
		}
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &cand); err != nil || cand.Candidate == "" {
			return
		}
		if _, dup := n.seen[cand.Candidate]; dup {
			return
		}
		n.seen[cand.Candidate] = struct{}{}
		if !n.remoteSet || n.conn == nil {
			n.pending = append(n.pending, cand)
			return
		}
		if err := n.conn.AddICECandidate(cand); err != nil {
			n.logger.Warn().Err(err).Msg("add candidate")
		}

	case domain.SignalLeave:
		if !bound {
			return
		}
		n.logger.Info().Str("peer", string(from)).Msg("peer left")
		n.dropPeerLocked()
		n.announceLocked(ctx, "")
	}
}

// offers reports whether we open the handshake with the bound peer. The
// smaller key offers, so both sides agree without exchanging anything.
func (n *Negotiator) offers() bool {
	return n.cfg.Self < n.peer
}

func (n *Negotiator) bindLocked(peer domain.ParticipantKey) {
	n.peer = peer
	n.seen = make(map[string]struct{})
	n.logger.Info().Str("peer", string(peer)).Msg("peer bound")
	n.setState(StateNegotiating)
}

// announceLocked publishes presence, as a reply to one participant or as a
// broadcast when to is empty.
func (n *Negotiator) announceLocked(ctx context.Context, to domain.ParticipantKey) {
	msg := domain.SignalMessage{Type: domain.SignalJoin, From: n.cfg.Self, To: to}
	if err := n.cfg.Signal.Publish(ctx, msg); err != nil {
		n.report(fmt.Errorf("%w: %w", ErrSignaling, err))
	}
}

// openLocked replaces the bound peer's connection with a fresh one carrying
// the local track.
func (n *Negotiator) openLocked() error {
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.gen++
	n.remoteSet = false
	n.awaitReply = false

	conn, err := n.cfg.Peers.NewConnection()
	if err != nil {
		return err
	}
	if n.track != nil {
		if _, err := conn.AddLocalTrack(n.track); err != nil {
			_ = conn.Close()
			return err
		}
	}
	gen := n.gen
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		n.inbox.push(event{kind: evLocalICE, gen: gen, candidate: c})
	})
	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		n.inbox.push(event{kind: evPeerState, gen: gen, peerState: s})
	})
	if n.cfg.OnTrack != nil {
		conn.OnTrack(n.cfg.OnTrack)
	}
	n.conn = conn
	return nil
}

func (n *Negotiator) offerLocked(ctx context.Context) {
	if err := n.openLocked(); err != nil {
		n.peerFailedLocked(err)
		return
	}
	offer, err := n.conn.CreateOffer()
	if err != nil {
		n.peerFailedLocked(fmt.Errorf("create offer: %w", err))
		return
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		n.peerFailedLocked(err)
		return
	}
	n.awaitReply = true
	msg := domain.SignalMessage{Type: domain.SignalOffer, From: n.cfg.Self, To: n.peer, SDP: raw}
	if err := n.cfg.Signal.Publish(ctx, msg); err != nil {
		n.report(fmt.Errorf("%w: %w", ErrSignaling, err))
		n.dropPeerLocked()
		return
	}
	n.setState(StateNegotiating)
}

func (n *Negotiator) answerLocked(ctx context.Context, msg domain.SignalMessage) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(msg.SDP, &offer); err != nil {
		n.logger.Warn().Err(err).Msg("bad offer payload")
		return
	}
	if err := n.openLocked(); err != nil {
		n.peerFailedLocked(err)
		return
	}
	answer, err := n.conn.ApplyOffer(offer)
	if err != nil {
		n.peerFailedLocked(fmt.Errorf("apply offer: %w", err))
		return
	}
	n.remoteSet = true
	n.flushLocked()

	raw, err := json.Marshal(answer)
	if err != nil {
		n.peerFailedLocked(err)
		return
	}
	reply := domain.SignalMessage{Type: domain.SignalAnswer, From: n.cfg.Self, To: n.peer, SDP: raw}
	if err := n.cfg.Signal.Publish(ctx, reply); err != nil {
		n.report(fmt.Errorf("%w: %w", ErrSignaling, err))
		n.dropPeerLocked()
		return
	}
	n.setState(StateNegotiating)
}

// flushLocked applies candidates that arrived before the remote description.
func (n *Negotiator) flushLocked() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.conn.AddICECandidate(c); err != nil {
			n.logger.Warn().Err(err).Msg("add queued candidate")
		}
	}
}

// peerFailedLocked handles a local negotiation error. Presence is not
// re-announced so a broken local stack cannot loop with the peer.
func (n *Negotiator) peerFailedLocked(err error) {
	n.report(fmt.Errorf("%w: %w", ErrPeerFailed, err))
	n.dropPeerLocked()
}

// resubscribe restores a lost signaling channel, backing off between
// attempts until it succeeds or the call ends. The peer connection is kept.
func (n *Negotiator) resubscribe(ctx context.Context, cause error) {
	n.mu.Lock()
	if !n.subscribed || !live(n.state) {
		n.mu.Unlock()
		return
	}
	n.subscribed = false
	n.report(fmt.Errorf("%w: %w", ErrSignaling, cause))
	n.mu.Unlock()

	delay := n.cfg.RetryDelay
	for attempt := 1; ; attempt++ {
		err := n.cfg.Signal.Subscribe(ctx, n.receive, n.channelLost)
		if err == nil {
			break
		}
		n.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("resubscribe failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !live(n.state) || ctx.Err() != nil {
		_ = n.cfg.Signal.Unsubscribe()
		return
	}
	n.subscribed = true
	n.logger.Info().Str("peer", string(n.peer)).Str("state", string(n.state)).Msg("signaling restored")
	switch {
	case n.peer == "":
		n.announceLocked(ctx, "")
	case n.state == StateConnected:
		// presence only; a reply-style join is never answered
		n.announceLocked(ctx, n.peer)
	default:
		n.announceLocked(ctx, "")
		if n.offers() {
			n.offerLocked(ctx)
		}
	}
}
