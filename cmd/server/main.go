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
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tictactoe-backend/internal/config"
	"github.com/DoyleJ11/tictactoe-backend/internal/coordinator"
	"github.com/DoyleJ11/tictactoe-backend/internal/httpapi"
	"github.com/DoyleJ11/tictactoe-backend/internal/hub"
	"github.com/DoyleJ11/tictactoe-backend/internal/logging"
	"github.com/DoyleJ11/tictactoe-backend/internal/store"
	"github.com/DoyleJ11/tictactoe-backend/internal/store/memory"
	"github.com/DoyleJ11/tictactoe-backend/internal/store/postgres"
	"github.com/DoyleJ11/tictactoe-backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(newCmd().ExecuteContext(ctx))
}

func newCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:           "tictactoe-server",
		Short:         "Two-player tic-tac-toe sessions over HTTP and websockets.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (env: TICTACTOE_ADDR)")

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the postgres schema and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.Store != config.StorePostgres {
				return errors.New("migrate needs TICTACTOE_STORE=postgres")
			}
			pg, err := postgres.Open(cmd.Context(), cfg.DatabaseURL, postgres.Options{MaxConns: cfg.DBMaxConns, Logger: log})
			if err != nil {
				return err
			}
			err = pg.Migrate(cmd.Context())
			if err == nil {
				log.Info("schema up to date")
			}
			return multierr.Append(err, pg.Close())
		},
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	return cmd
}

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, time.Duration, error) {
	if cfg.Store != config.StorePostgres {
		return memory.New(context.Background()), cfg.IdleSessionGrace, nil
	}
	pg, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.Options{MaxConns: cfg.DBMaxConns, Logger: log})
	if err != nil {
		return nil, 0, err
	}
	if err := pg.Migrate(ctx); err != nil {
		return nil, 0, multierr.Append(err, pg.Close())
	}
	// persistent games outlive their players
	return pg, 0, nil
}

func serve(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	st, idleGrace, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	h := hub.NewHub(context.Background())
	defer h.Shutdown()

	c := coordinator.New(st,
		coordinator.WithNotifier(h),
		coordinator.WithLogger(log.Named("coordinator")),
		coordinator.WithLivenessWindow(cfg.LivenessWindow),
		coordinator.WithIdleGrace(idleGrace),
	)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Coordinator: c,
			Hub:         h,
			PublicURL:   cfg.PublicURL,
			WS: ws.Options{
				ReadTimeout:         cfg.WSReadTimeout,
				OriginPatterns:      cfg.AllowedOrigins,
				ReleaseOnDisconnect: cfg.ReleaseOnDisconnect,
			},
			Logger: log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
