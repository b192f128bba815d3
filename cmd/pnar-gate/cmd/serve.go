package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pnar.online/internal/auth"
	"pnar.online/internal/config"
	"pnar.online/internal/httpapi"
	"pnar.online/internal/migrate"
	"pnar.online/internal/obs"
	"pnar.online/internal/ratelimit"
)

var (
	bootstrapEmail    string
	bootstrapPassword string
	autoMigrate       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	Long: `Start the HTTP gateway.

Users are read from PostgreSQL when PNAR_DATABASE_URL is set and kept in memory
otherwise. Revoked tokens are shared through Redis when PNAR_REDIS_ADDR is set.

--bootstrap-email/--bootstrap-password create a superadmin when no user with
that email exists, which is the only way to obtain elevated roles with the
in-memory store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		logger, err := obs.NewLogger(string(cfg.Environment))
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()
		defer obs.SetLogger(logger)()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&bootstrapEmail, "bootstrap-email", "", "email of a superadmin to create at startup")
	serveCmd.Flags().StringVar(&bootstrapPassword, "bootstrap-password", "", "password of the bootstrap superadmin")
	serveCmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "apply pending schema migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Resolved, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		db    *sql.DB
		users auth.UserStore = auth.NewMemoryUserStore()
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if autoMigrate {
			if _, err := migrate.NewManager(db, migrate.WithLogger(logger)).Up(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		users = auth.NewPGUserStore(db)
	}

	var (
		rdb      redis.UniversalClient
		denylist auth.Denylist = auth.NewMemoryDenylist(nil)
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		defer rdb.Close()
		denylist = auth.NewRedisDenylist(rdb)
	}

	hasher, err := auth.NewHasher(cfg.Hash.Cost, cfg.Hash.Workers)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService([]byte(cfg.SigningSecret), cfg.TokenTTL,
		auth.WithTokenIssuer(cfg.TokenIssuer),
		auth.WithClockSkew(cfg.ClockSkew),
		auth.WithDenylist(denylist))
	if err != nil {
		return err
	}
	svc, err := auth.NewService(users, hasher, tokens, cfg.PasswordPolicy)
	if err != nil {
		return err
	}
	if err := bootstrap(ctx, users, hasher, logger); err != nil {
		return err
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Capacity: cfg.RateLimit.Capacity,
		Rate:     cfg.RateLimit.RatePerInterval,
		Interval: cfg.RateLimit.Interval,
		IdleTTL:  cfg.RateLimit.IdleTTL,
	}, ratelimit.WithLogger(logger))
	if err != nil {
		return err
	}
	limiter.StartCleanup(ctx)
	defer limiter.Stop()
	obs.RegisterBucketGauge(limiter.Size)

	api, err := httpapi.New(httpapi.Options{
		Config:  cfg,
		Auth:    svc,
		Limiter: limiter,
		Ready:   httpapi.ReadyProbe{DB: db, Redis: rdb},
		Version: version,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.RequestTimeout,
		ReadHeaderTimeout: cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting pnar-gate",
			zap.String("version", version),
			zap.String("addr", srv.Addr),
			zap.String("env", string(cfg.Environment)),
			zap.Int("hash_workers", hasher.Workers()),
			zap.String("rate_limit_key", cfg.RateLimit.KeyStrategy))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// bootstrap creates the configured superadmin if it does not exist yet.
func bootstrap(ctx context.Context, users auth.UserStore, hasher *auth.Hasher, logger *zap.Logger) error {
	if bootstrapEmail == "" {
		return nil
	}
	if bootstrapPassword == "" {
		return errors.New("--bootstrap-password is required with --bootstrap-email")
	}
	if _, err := users.FindByEmail(ctx, bootstrapEmail); err == nil {
		return nil
	} else if !errors.Is(err, auth.ErrNotFound) {
		return fmt.Errorf("lookup bootstrap user: %w", err)
	}
	digest, err := hasher.Hash(ctx, bootstrapPassword)
	if err != nil {
		return err
	}
	u := &auth.User{Email: bootstrapEmail, PasswordHash: digest, Role: auth.RoleSuperAdmin, Active: true}
	if err := users.Create(ctx, u); err != nil && !errors.Is(err, auth.ErrAlreadyExists) {
		return fmt.Errorf("create bootstrap user: %w", err)
	}
	logger.Info("bootstrap superadmin ready", zap.String("user_id", u.ID), zap.String("email", u.Email))
	return nil
}
