package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/events"
	"escrowline/internal/resilience"
	"escrowline/internal/server"
	"escrowline/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin, devRail bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			interval, err := cfg.ExportInterval()
			if err != nil {
				return err
			}
			mp, shutdownMetrics, err := telemetry.Setup(ctx, telemetry.Options{
				Endpoint: cfg.Telemetry.OTLPEndpoint,
				Interval: interval,
				Service:  cfg.Log.Service,
			})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownMetrics(sctx)
			}()

			a, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, MeterProvider: mp})
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				EnableDevLogin:         devLogin,
				Logger:                 a.Logger,
			}
			if authCfg.JWTSecret == "" && !legacyHeader {
				return fmt.Errorf("ESCROWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger, EnableDevRail: devRail})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			var relay *events.Relay
			if cfg.NATS.URL != "" {
				var closeRelay func()
				if relay, closeRelay, err = newRelay(ctx, a, cfg); err != nil {
					return err
				}
				defer closeRelay()
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.Logger.Info("serving escrowline api", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			if relay != nil {
				g.Go(func() error { return relay.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (local development)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&devRail, "dev-rail", false, "expose POST /wallet/deposit so callers can fund themselves (local development)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (or ESCROWLINE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// newRelay connects to NATS and starts relaying after the latest committed
// event, so a restart does not replay history.
func newRelay(ctx context.Context, a *app.App, cfg *config.Config) (*events.Relay, func(), error) {
	interval, err := cfg.RelayInterval()
	if err != nil {
		return nil, nil, err
	}
	pub, err := events.ConnectNATS(cfg.NATS.URL, cfg.Log.Service)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	latest, err := a.Engine.LatestEventID(ctx)
	if err != nil {
		pub.Close()
		return nil, nil, err
	}
	relay := &events.Relay{
		Source:    a.Engine,
		Publisher: pub,
		Prefix:    cfg.NATS.SubjectPrefix,
		Interval:  interval,
		Breaker:   resilience.NewBreaker(5, 30*time.Second),
		Metrics:   a.Engine.Metrics,
		Logger:    a.Logger,
	}
	relay.StartAt(latest)
	a.Logger.Info("relaying events to nats", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix, "after", latest)
	return relay, func() { _ = pub.Close() }, nil
}
