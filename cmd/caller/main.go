// Command caller is a headless Classmate participant: it joins a topic,
// polls the session until it is active, then takes part in the call with a
// silent microphone and reports the audio it receives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Classmate/internal/adapters/rtc"
	"github.com/dkeye/Classmate/internal/call"
	"github.com/dkeye/Classmate/internal/domain"
)

var errSessionClosed = errors.New("session closed")

type options struct {
	server   string
	topic    string
	key      string
	name     string
	capacity int
	poll     time.Duration
	duration time.Duration
	attempts int
	debug    bool
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var opts options
	cmd := &cobra.Command{
		Use:          "caller",
		Short:        "Join a Classmate topic and take part in its call",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			if opts.key == "" {
				opts.key = uuid.NewString()
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if opts.duration > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, opts.duration)
				defer stop()
			}
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "Classmate server base URL")
	f.StringVar(&opts.topic, "topic", "", "topic to join")
	f.StringVar(&opts.key, "key", "", "participant key (default: random)")
	f.StringVar(&opts.name, "name", "", "display name")
	f.IntVar(&opts.capacity, "capacity", 2, "requested session capacity")
	f.DurationVar(&opts.poll, "poll", 5*time.Second, "status poll interval")
	f.DurationVar(&opts.duration, "duration", 0, "leave after this long (0: until interrupted)")
	f.IntVar(&opts.attempts, "attempts", 3, "signaling subscribe attempts")
	f.BoolVar(&opts.debug, "debug", false, "debug logging")
	_ = cmd.MarkFlagRequired("topic")

	if err := cmd.Execute(); err != nil {
		log.Error().Err(err).Msg("caller exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	api := newAPIClient(opts.server)
	logger := log.With().Str("module", "caller").Str("participant", opts.key).Logger()

	joined, err := api.join(ctx, opts.topic, opts.key, opts.name, opts.capacity)
	if err != nil {
		return err
	}
	sid := joined.SessionID
	logger = logger.With().Str("session_id", sid).Logger()
	logger.Info().Str("status", joined.Status).Int("members", joined.MemberCount).Int("capacity", joined.Capacity).Msg("joined")
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := api.leave(leaveCtx, sid, opts.key); err != nil {
			logger.Warn().Err(err).Msg("leave")
		}
	}()

	if err := waitActive(ctx, api, sid, opts.poll, logger); err != nil {
		return err
	}

	iceURLs, err := api.iceURLs(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("no ICE servers from server, using defaults")
	}
	wsURL, err := api.signalURL(sid, opts.key)
	if err != nil {
		return err
	}

	var packets atomic.Int64
	callLogger := logger.With().Str("module", "call").Logger()
	n := call.New(call.Config{
		Session: domain.SessionID(sid),
		Self:    domain.ParticipantKey(opts.key),
		Media:   rtc.NewSilentSource(opts.key),
		Signal:  newWSChannel(wsURL, logger),
		Peers:   rtc.NewFactory(iceURLs, log.Logger),
		Logger:  &callLogger,
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("call degraded")
		},
		OnTrack: func(ctx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			countRTP(ctx, track, &packets, logger)
		},
	})

	if err := startWithRetry(ctx, n, opts.attempts, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return keepAlive(gctx, api, sid, opts, logger)
	})
	err = g.Wait()

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if lerr := n.Leave(leaveCtx); lerr != nil {
		logger.Warn().Err(lerr).Msg("call teardown")
	}
	logger.Info().Int64("rtp_packets", packets.Load()).Msg("call finished")

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// waitActive polls status until the session is active with a peer to call.
func waitActive(ctx context.Context, api *apiClient, sid string, every time.Duration, logger zerolog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := api.status(ctx, sid)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("status poll")
		case st.Session.Status == string(domain.StatusClosed):
			return errSessionClosed
		case st.Session.Status == string(domain.StatusActive) && st.MemberCount >= 2:
			logger.Info().Int("members", st.MemberCount).Msg("session active")
			return nil
		default:
			logger.Info().Str("status", st.Session.Status).Int("members", st.MemberCount).Msg("waiting for classmates")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func startWithRetry(ctx context.Context, n *call.Negotiator, attempts int, logger zerolog.Logger) error {
	var err error
	for i := 1; i <= attempts; i++ {
		err = n.Start(ctx)
		if err == nil || !errors.Is(err, call.ErrSignaling) {
			return err
		}
		logger.Warn().Err(err).Int("attempt", i).Msg("signaling subscribe failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * time.Second):
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
}

// keepAlive keeps polling the session while the call runs and sends a
// heartbeat so a server-side sweep does not prune the membership.
func keepAlive(ctx context.Context, api *apiClient, sid string, opts options, logger zerolog.Logger) error {
	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		st, err := api.status(ctx, sid)
		if err != nil {
			logger.Warn().Err(err).Msg("status poll")
			continue
		}
		if st.Session.Status == string(domain.StatusClosed) {
			return errSessionClosed
		}
		if err := api.heartbeat(ctx, sid, opts.key); err != nil {
			logger.Warn().Err(err).Msg("heartbeat")
		}
	}
}

func countRTP(ctx context.Context, track *webrtc.TrackRemote, total *atomic.Int64, logger zerolog.Logger) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for ctx.Err() == nil {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if c := total.Add(1); c%250 == 1 {
			logger.Info().
				Str("codec", track.Codec().MimeType).
				Uint16("seq", pkt.SequenceNumber).
				Uint32("ssrc", pkt.SSRC).
				Int64("packets", c).
				Msg("receiving audio")
		}
	}
}
