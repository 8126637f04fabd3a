package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taskwire-io/taskwire/internal/api"
	"github.com/taskwire-io/taskwire/internal/approval"
	"github.com/taskwire-io/taskwire/internal/artifacts"
	"github.com/taskwire-io/taskwire/internal/assigner"
	"github.com/taskwire-io/taskwire/internal/auth"
	"github.com/taskwire-io/taskwire/internal/broker"
	"github.com/taskwire-io/taskwire/internal/channel"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/notify"
	"github.com/taskwire-io/taskwire/internal/presence"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/ratelimit"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/router"
	"github.com/taskwire-io/taskwire/internal/scheduler"
	"github.com/taskwire-io/taskwire/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// tokenIssuer is the iss claim stamped into every token this server mints.
const tokenIssuer = "taskwire"

// shutdownTimeout bounds how long in-flight HTTP requests may drain.
const shutdownTimeout = 15 * time.Second

type config struct {
	httpAddr string
	dbDriver string
	dbDSN    string

	secretKey    string
	accessSecret string
	agentKeys    string

	presenceAddr string
	brokerAddr   string

	artifactEndpoint  string
	artifactRegion    string
	artifactBucket    string
	artifactAccessKey string
	artifactSecretKey string

	oidcIssuer       string
	oidcClientID     string
	oidcClientSecret string
	oidcRedirectURL  string

	allowedOrigins string
	rateLimit      bool
	rateLimitMax   int
	approvalTTL    time.Duration
	debugRoutes    bool
	secureCookies  bool

	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "taskwire-server",
		Short: "Taskwire server — remote task control plane",
		Long: `Taskwire server is the central component of the Taskwire automation system.
It exposes a REST API for operators, a WebSocket channel for agents, and
manages task routing, scheduling, approvals, and event delivery.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("TASKWIRE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("TASKWIRE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("TASKWIRE_DB_DSN", "./taskwire.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("TASKWIRE_SECRET_KEY", ""), "32-byte master key for encrypting secrets at rest (required)")
	root.PersistentFlags().StringVar(&cfg.accessSecret, "access-secret", envOrDefault("TASKWIRE_ACCESS_SECRET", ""), "HMAC secret for user access tokens (generated if empty; sessions then reset on restart)")
	root.PersistentFlags().StringVar(&cfg.agentKeys, "agent-keys", envOrDefault("TASKWIRE_AGENT_KEYS", ""), `Agent key set JSON, e.g. {"active_kid":"k1","keys":{"k1":"secret"}} (generated if empty)`)
	root.PersistentFlags().StringVar(&cfg.presenceAddr, "presence-addr", envOrDefault("TASKWIRE_PRESENCE_ADDR", ""), "Redis address for the presence store (in-memory if empty)")
	root.PersistentFlags().StringVar(&cfg.brokerAddr, "broker-addr", envOrDefault("TASKWIRE_BROKER_ADDR", ""), "Redis address for the task broker (in-process if empty)")
	root.PersistentFlags().StringVar(&cfg.artifactEndpoint, "artifact-endpoint", envOrDefault("TASKWIRE_ARTIFACT_ENDPOINT", ""), "S3-compatible endpoint for artifact uploads (AWS if empty)")
	root.PersistentFlags().StringVar(&cfg.artifactRegion, "artifact-region", envOrDefault("TASKWIRE_ARTIFACT_REGION", "us-east-1"), "Artifact store region")
	root.PersistentFlags().StringVar(&cfg.artifactBucket, "artifact-bucket", envOrDefault("TASKWIRE_ARTIFACT_BUCKET", ""), "Artifact bucket name (presign disabled if empty)")
	root.PersistentFlags().StringVar(&cfg.artifactAccessKey, "artifact-access-key", envOrDefault("TASKWIRE_ARTIFACT_ACCESS_KEY", ""), "Artifact store access key")
	root.PersistentFlags().StringVar(&cfg.artifactSecretKey, "artifact-secret-key", envOrDefault("TASKWIRE_ARTIFACT_SECRET_KEY", ""), "Artifact store secret key")
	root.PersistentFlags().StringVar(&cfg.oidcIssuer, "oidc-issuer", envOrDefault("TASKWIRE_OIDC_ISSUER", ""), "OIDC issuer URL (SSO disabled if empty)")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", envOrDefault("TASKWIRE_OIDC_CLIENT_ID", ""), "OIDC client ID")
	root.PersistentFlags().StringVar(&cfg.oidcClientSecret, "oidc-client-secret", envOrDefault("TASKWIRE_OIDC_CLIENT_SECRET", ""), "OIDC client secret")
	root.PersistentFlags().StringVar(&cfg.oidcRedirectURL, "oidc-redirect-url", envOrDefault("TASKWIRE_OIDC_REDIRECT_URL", ""), "OIDC redirect URL, e.g. https://host/api/v1/auth/oidc/callback")
	root.PersistentFlags().StringVar(&cfg.allowedOrigins, "allowed-origins", envOrDefault("TASKWIRE_ALLOWED_ORIGINS", ""), "Comma-separated browser origins allowed on the notification stream (all if empty)")
	root.PersistentFlags().BoolVar(&cfg.rateLimit, "rate-limit", envBoolOrDefault("TASKWIRE_RATE_LIMIT", true), "Enable the per-IP rate limiter on /api/v1")
	root.PersistentFlags().IntVar(&cfg.rateLimitMax, "rate-limit-max", envIntOrDefault("TASKWIRE_RATE_LIMIT_MAX", 120), "Requests allowed per IP per minute")
	root.PersistentFlags().DurationVar(&cfg.approvalTTL, "approval-ttl", envDurationOrDefault("TASKWIRE_APPROVAL_TTL", time.Hour), "How long a task may wait for approval before auto-cancel")
	root.PersistentFlags().BoolVar(&cfg.debugRoutes, "debug-routes", envBoolOrDefault("TASKWIRE_DEBUG_ROUTES", false), "Expose /metrics")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envBoolOrDefault("TASKWIRE_SECURE_COOKIES", false), "Set the Secure flag on auth cookies (enable behind HTTPS)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("TASKWIRE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.logFormat, "log-format", envOrDefault("TASKWIRE_LOG_FORMAT", "json"), "Log format (json or console)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskwire-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel, cfg.logFormat)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies the embedded migrations as part of opening.
			database, err := db.New(db.Config{
				Driver:   cfg.dbDriver,
				DSN:      cfg.dbDSN,
				Logger:   logger,
				LogLevel: gormlogger.Warn,
			})
			if err != nil {
				return err
			}
			if sqlDB, err := database.DB(); err == nil {
				_ = sqlDB.Close()
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel, cfg.logFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(cfg.secretKey) != 32 {
		return fmt.Errorf("secret key must be exactly 32 bytes (got %d) — set --secret-key or TASKWIRE_SECRET_KEY", len(cfg.secretKey))
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	logger.Info("starting taskwire server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background loops run on their own context, detached from the signal,
	// so shutdown can drain HTTP before stopping consumers and pumps.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// --- Database ---
	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	users := repositories.NewUserRepository(database)
	agents := repositories.NewAgentRepository(database)
	tasks := repositories.NewTaskRepository(database)
	idem := repositories.NewIdempotencyKeyRepository(database)
	schedules := repositories.NewScheduledTaskRepository(database)
	webhooks := repositories.NewWebhookRepository(database)
	refresh := repositories.NewRefreshTokenRepository(database)

	// --- Keys and tokens ---
	var keys *auth.KeySet
	if cfg.agentKeys != "" {
		keys, err = auth.ParseKeySet(cfg.agentKeys)
		if err != nil {
			return fmt.Errorf("failed to parse agent key set: %w", err)
		}
	} else {
		keys, err = generateKeySet()
		if err != nil {
			return fmt.Errorf("failed to generate agent key set: %w", err)
		}
		logger.Warn("TASKWIRE_AGENT_KEYS not set, using an ephemeral key set; agent tokens will not survive a restart")
	}

	var manager *auth.TokenManager
	if cfg.accessSecret != "" {
		manager, err = auth.NewTokenManager([]byte(cfg.accessSecret), keys, tokenIssuer)
	} else {
		logger.Warn("TASKWIRE_ACCESS_SECRET not set, using an ephemeral secret; user sessions will not survive a restart")
		manager, err = auth.NewTokenManagerGenerated(keys, tokenIssuer)
	}
	if err != nil {
		return fmt.Errorf("failed to create token manager: %w", err)
	}

	// --- Presence store ---
	var store presence.Store
	if cfg.presenceAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.presenceAddr})
		if err := pingRedis(ctx, rdb); err != nil {
			return fmt.Errorf("presence redis unreachable at %s: %w", cfg.presenceAddr, err)
		}
		store = presence.NewRedis(rdb, logger)
		logger.Info("presence store: redis", zap.String("addr", cfg.presenceAddr))
	} else {
		mem := presence.NewMemory(logger)
		go mem.Run(bgCtx)
		store = mem
		logger.Info("presence store: in-memory")
	}

	// --- Task broker ---
	var bus broker.Broker
	if cfg.brokerAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.brokerAddr})
		if err := pingRedis(ctx, rdb); err != nil {
			return fmt.Errorf("broker redis unreachable at %s: %w", cfg.brokerAddr, err)
		}
		bus = broker.NewRedis(rdb, logger)
		logger.Info("task broker: redis streams", zap.String("addr", cfg.brokerAddr))
	} else {
		bus = broker.NewMemory(logger)
		logger.Info("task broker: in-process")
	}

	// --- Abuse controls ---
	lockout := ratelimit.NewLockout(ratelimit.LockoutConfig{}, logger)
	var limiter *ratelimit.Limiter
	if cfg.rateLimit {
		limiter = ratelimit.New(ratelimit.Config{Max: cfg.rateLimitMax}, logger)
		go limiter.Run(bgCtx)
	}

	// --- Authentication ---
	local := auth.NewLocalProvider(users, refresh, manager, lockout)
	oidc := auth.NewOIDCProvider(auth.OIDCConfig{
		Issuer:       cfg.oidcIssuer,
		ClientID:     cfg.oidcClientID,
		ClientSecret: cfg.oidcClientSecret,
		RedirectURL:  cfg.oidcRedirectURL,
	}, users, refresh, manager)
	authSvc := auth.NewService(local, oidc, manager)
	if authSvc.OIDCEnabled() {
		logger.Info("OIDC login enabled", zap.String("issuer", cfg.oidcIssuer))
	}

	// --- Fan-out ---
	reg := registry.New(logger)
	hub := notify.NewHub(logger)
	go hub.Run(bgCtx)
	dispatcher := webhook.NewDispatcher(webhooks, logger)
	dispatcher.Start(bgCtx)
	fanout := events.NewFanout(logger, hub, dispatcher)

	// --- Task pipeline ---
	taskRouter := router.New(tasks, agents, bus, fanout, reg, logger)
	approvals := approval.New(approval.Config{TTL: cfg.approvalTTL}, tasks, bus, fanout, logger)

	asg := assigner.New(assigner.Config{}, bus, reg, store, tasks, keys, fanout, logger)
	if err := asg.Run(bgCtx); err != nil {
		return fmt.Errorf("failed to start assigner: %w", err)
	}

	sched, err := scheduler.New(schedules, tasks, agents, idem, refresh, approvals, bus, fanout, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// --- Artifact store (optional) ---
	var artifactSvc *artifacts.Service
	artCfg := artifacts.Config{
		Endpoint:  cfg.artifactEndpoint,
		Region:    cfg.artifactRegion,
		Bucket:    cfg.artifactBucket,
		AccessKey: cfg.artifactAccessKey,
		SecretKey: cfg.artifactSecretKey,
	}
	if artCfg.Enabled() {
		artifactSvc, err = artifacts.New(ctx, artCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create artifact store: %w", err)
		}
		logger.Info("artifact store configured", zap.String("bucket", cfg.artifactBucket))
	} else {
		logger.Info("artifact store not configured, presign endpoint disabled")
	}

	// --- HTTP ---
	if cfg.allowedOrigins != "" {
		notify.SetAllowedOrigins(splitCommaList(cfg.allowedOrigins))
	}

	agentChannel := channel.NewHandler(manager, reg, store, agents, tasks, fanout, logger)

	handler := api.NewRouter(api.RouterConfig{
		AuthService:  authSvc,
		TaskRouter:   taskRouter,
		Approvals:    approvals,
		Artifacts:    artifactSvc,
		Hub:          hub,
		Registry:     reg,
		Presence:     store,
		Logger:       logger,
		AgentChannel: agentChannel,
		Limiter:      limiter,
		Users:        users,
		Agents:       agents,
		Tasks:        tasks,
		Idempotency:  idem,
		Schedules:    schedules,
		Webhooks:     webhooks,
		Secure:       cfg.secureCookies,
		DebugRoutes:  cfg.debugRoutes,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down taskwire server")

	// Stop taking requests first so nothing new enters the pipeline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server did not drain cleanly", zap.Error(err))
	}

	// Then the producers, then the consumers and pumps, then the agent
	// connections themselves. Webhook deliveries in flight get to finish.
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop", zap.Error(err))
	}
	bgCancel()
	reg.CloseAll(protocol.CloseNormal, "server shutting down")
	dispatcher.Wait()

	logger.Info("taskwire server stopped")
	return nil
}

// generateKeySet builds a single-key ephemeral keyring for deployments that
// have not configured TASKWIRE_AGENT_KEYS.
func generateKeySet() (*auth.KeySet, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &auth.KeySet{
		ActiveKid: "ephemeral",
		Keys:      map[string]string{"ephemeral": hex.EncodeToString(secret)},
	}, nil
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return rdb.Ping(pingCtx).Err()
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config

	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBoolOrDefault(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
