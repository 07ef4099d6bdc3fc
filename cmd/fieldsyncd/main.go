// fieldsyncd is the sync server for offline-first field survey devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/amanahsoft/fieldsync/fieldsync"
	"github.com/amanahsoft/fieldsync/internal/config"
	"github.com/amanahsoft/fieldsync/internal/migrate"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "fieldsyncd",
		Short:         "Differential sync server for offline field survey devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(serveCmd(), migrateCmd(), mintTokenCmd(), purgeTombstonesCmd(), sweepSessionsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*fieldsync.SyncService, *pgxpool.Pool, error) {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	svc, err := fieldsync.NewSyncService(pool, cfg.ServiceConfig(), logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, pool, err := buildService(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer svc.Close()

			jwtAuth := fieldsync.NewJWTAuth(cfg.Auth.JWTSecret)
			handlers := fieldsync.NewHTTPSyncHandlers(svc, jwtAuth, logger)
			mux := http.NewServeMux()
			handlers.Register(mux)
			mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      mux,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			go runMaintenance(ctx, svc, cfg.Sync.SweepInterval, logger)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Sync server listening", "addr", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// runMaintenance periodically fails idle sessions and purges expired
// tombstones.
func runMaintenance(ctx context.Context, svc *fieldsync.SyncService, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.SweepIdleSessions(ctx); err != nil {
				logger.Warn("Idle session sweep failed", "error", err)
			}
			if _, err := svc.PurgeExpiredTombstones(ctx); err != nil {
				logger.Warn("Tombstone purge failed", "error", err)
			}
		}
	}
}

func migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back) database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			newLogger(cfg)
			if down {
				return migrate.Down(cmd.Context(), cfg.Database.URL)
			}
			return migrate.Up(cmd.Context(), cfg.Database.URL)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}

func mintTokenCmd() *cobra.Command {
	var (
		identityID string
		deviceID   string
		role       string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a JWT for testing and provisioning",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if identityID == "" {
				return fmt.Errorf("--identity is required")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, err := fieldsync.NewJWTAuth(cfg.Auth.JWTSecret).GenerateToken(identityID, deviceID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&identityID, "identity", "", "identity id (sub claim)")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id (did claim, empty for web token)")
	cmd.Flags().StringVar(&role, "role", fieldsync.RoleSurveyor, "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from config)")
	return cmd
}

func purgeTombstonesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-tombstones",
		Short: "Deactivate tombstones past their retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			svc, pool, err := buildService(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer svc.Close()

			purged, err := svc.PurgeExpiredTombstones(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("purged %d tombstones\n", purged)
			return nil
		},
	}
}

func sweepSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-sessions",
		Short: "Fail sync sessions idle past the configured timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			svc, pool, err := buildService(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()
			defer svc.Close()

			swept, err := svc.SweepIdleSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("swept %d sessions\n", swept)
			return nil
		},
	}
}
