package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Classmate/internal/adapters/http"
	"github.com/dkeye/Classmate/internal/app"
	"github.com/dkeye/Classmate/internal/app/orch"
	"github.com/dkeye/Classmate/internal/config"
	"github.com/dkeye/Classmate/internal/core"
	"github.com/dkeye/Classmate/internal/metrics"
	"github.com/dkeye/Classmate/internal/relay"
	"github.com/dkeye/Classmate/internal/storage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and signaling server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := storage.Migrate(db); err != nil {
		return err
	}
	repo := storage.NewStore(db)
	defer repo.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	signals, err := newRelay(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer signals.Close()

	o := orch.New(cfg, repo, signals, app.NewRegistry(), m)
	r := router.SetupRouter(ctx, cfg, o, m)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Classmate server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Lifecycle.MemberTTL > 0 {
		g.Go(func() error {
			sweepLoop(gctx, o, cfg.Lifecycle.MemberTTL)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

// newRelay picks Redis pub/sub when redis.addr is set, else the in-process hub.
func newRelay(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (core.SignalRelay, error) {
	policy, err := app.PolicyByName(cfg.Signal.Backpressure)
	if err != nil {
		return nil, err
	}
	opts := []relay.Option{
		relay.WithPolicy(policy),
		relay.WithPrefix(cfg.Redis.Prefix),
		relay.WithBuffer(cfg.Signal.Buffer),
		relay.WithDropHook(m.SignalDropped),
	}
	if cfg.Redis.Addr == "" {
		log.Info().Str("module", "relay").Str("backpressure", cfg.Signal.Backpressure).Msg("using in-process signaling hub")
		return relay.NewHub(opts...), nil
	}
	r, err := relay.NewRedisRelay(ctx, cfg.Redis, opts...)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "relay").Str("addr", cfg.Redis.Addr).Msg("using redis signaling relay")
	return r, nil
}

// sweepLoop prunes stale memberships every half TTL while the server runs.
func sweepLoop(ctx context.Context, o *orch.Orchestrator, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := o.Sweep(ctx); err != nil {
				log.Warn().Err(err).Str("module", "orch.sweep").Msg("sweep failed")
			}
		}
	}
}
