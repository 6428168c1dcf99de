package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Classmate/internal/domain"
)

//go:generate mockgen -source=media.go -destination=mock_media_test.go -package=call

// MediaSource captures local audio. Acquire may block until the user
// grants or denies access.
type MediaSource interface {
	Acquire(ctx context.Context) (webrtc.TrackLocal, error)
	Release() error
}

// SignalChannel is a participant's attachment to one session's signaling
// channel. Subscribe returns once the subscription is acknowledged; the
// handler may run on any goroutine and must not block. lost runs at most
// once per subscription, when it ends without Unsubscribe; the channel can
// then be subscribed again.
type SignalChannel interface {
	Subscribe(ctx context.Context, handler func(domain.SignalMessage), lost func(error)) error
	Publish(ctx context.Context, msg domain.SignalMessage) error
	Unsubscribe() error
}
