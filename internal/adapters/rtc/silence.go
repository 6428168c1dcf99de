package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// opus TOC for a single 20ms silent frame
var silentFrame = []byte{0xf8, 0xff, 0xfe}

var ErrSourceBusy = errors.New("rtc: source already acquired")

// SilentSource is a headless microphone: an Opus track that carries silence
// for as long as it is acquired.
type SilentSource struct {
	mu     sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
	stream string
}

func NewSilentSource(stream string) *SilentSource {
	return &SilentSource{stream: stream}
}

func (s *SilentSource) Acquire(ctx context.Context) (webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil, ErrSourceBusy
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", s.stream,
	)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.done = make(chan struct{})
	go s.pump(pumpCtx, track, s.done)
	return track, nil
}

func (s *SilentSource) pump(ctx context.Context, track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: silentFrame, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Msg("silent sample dropped")
			}
		}
	}
}

func (s *SilentSource) Release() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	<-done
	return nil
}
