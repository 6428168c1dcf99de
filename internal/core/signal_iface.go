package core

import (
	"context"

	"github.com/dkeye/Classmate/internal/domain"
)

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalRelay is the per-session publish/subscribe channel. Delivery is at
// most once per currently subscribed sink; nothing is stored or replayed.
type SignalRelay interface {
	Publish(ctx context.Context, id domain.SessionID, msg domain.SignalMessage) error
	Subscribe(ctx context.Context, id domain.SessionID, sink SignalConnection) (Subscription, error)
	Close() error
}

// Subscription detaches a sink from a relay channel. Close is idempotent.
type Subscription interface {
	Close() error
}
