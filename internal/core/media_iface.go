package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is one direct peer connection driven by the call negotiator.
type MediaConnection interface {
	// CreateOffer creates and applies a local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the applied local answer.
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches captured local media before negotiation.
	AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange reports peer connection state transitions.
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// Close should stop all underlying media resources.
	Close() error
}

// MediaConnectionFactory opens a fresh connection per negotiation attempt.
type MediaConnectionFactory interface {
	NewConnection() (MediaConnection, error)
}
