package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/approval"
	"github.com/taskwire-io/taskwire/internal/artifacts"
	"github.com/taskwire-io/taskwire/internal/auth"
	"github.com/taskwire-io/taskwire/internal/metrics"
	"github.com/taskwire-io/taskwire/internal/notify"
	"github.com/taskwire-io/taskwire/internal/presence"
	"github.com/taskwire-io/taskwire/internal/ratelimit"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/router"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.Service
	TaskRouter  *router.Router
	Approvals   *approval.Service
	Artifacts   *artifacts.Service // nil when no artifact store is configured
	Hub         *notify.Hub
	Registry    *registry.Registry
	Presence    presence.Store
	Logger      *zap.Logger

	// AgentChannel serves GET /ws/agent. It lives outside /api/v1 because
	// agents authenticate with their own token scheme, not user JWTs.
	AgentChannel http.Handler

	// Limiter guards /api/v1 with per-IP limits. Nil disables limiting
	// (tests, deployments that rate limit at the edge).
	Limiter *ratelimit.Limiter

	// Repositories — used directly by handlers that do not need service-layer logic.
	Users       repositories.UserRepository
	Agents      repositories.AgentRepository
	Tasks       repositories.TaskRepository
	Idempotency repositories.IdempotencyKeyRepository
	Schedules   repositories.ScheduledTaskRepository
	Webhooks    repositories.WebhookRepository

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool

	// DebugRoutes exposes /metrics. Off in production unless explicitly enabled.
	DebugRoutes bool
}

// NewRouter builds and returns the fully configured Chi router.
// User-facing routes are registered under /api/v1; the agent socket and the
// liveness probe sit at the root so they bypass the per-IP limiter — a
// blocked source must still be able to complete an agent handshake.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy. The limiter keys
	// on this, so it must run first.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Users, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.Logger)
	deviceHandler := NewDeviceHandler(cfg.Agents, cfg.Idempotency, cfg.AuthService.Manager(), cfg.Presence, cfg.Registry, cfg.Logger)
	taskHandler := NewTaskHandler(cfg.TaskRouter, cfg.Tasks, cfg.Idempotency, cfg.Logger)
	approvalHandler := NewApprovalHandler(cfg.Approvals, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Schedules, cfg.Agents, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Webhooks, cfg.Logger)
	artifactHandler := NewArtifactHandler(cfg.Artifacts, cfg.Tasks, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.AuthService, cfg.Logger)

	// Liveness probe. Readiness is the job of the deployment, not the API.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})

	// Agent channel. Auth happens inside the handler (token query param,
	// close code 4401 on failure), so no middleware beyond the globals.
	if cfg.AgentChannel != nil {
		r.Method(http.MethodGet, "/ws/agent", cfg.AgentChannel)
	}

	if cfg.DebugRoutes {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Middleware)
		}

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/signup", authHandler.Signup)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)

			// OIDC flow — public because the user is not yet authenticated.
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)
		})

		// Notification stream. The handler validates the token itself
		// because browsers cannot set headers on WebSocket upgrades.
		r.Get("/ws", wsHandler.ServeWS)

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.AuthService))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Current user profile
			r.Get("/users/me", userHandler.GetMe)

			// Devices
			r.Post("/devices/enroll", deviceHandler.Enroll)
			r.Get("/devices", deviceHandler.List)
			r.Get("/devices/{id}", deviceHandler.GetByID)
			r.Post("/devices/{id}/revoke", deviceHandler.Revoke)

			// Tasks
			r.Post("/tasks", taskHandler.Create)
			r.Get("/tasks", taskHandler.List)
			r.Get("/tasks/{id}", taskHandler.GetByID)
			r.Post("/tasks/{id}/cancel", taskHandler.Cancel)

			// Approvals
			r.Post("/approvals/{task_id}/approve", approvalHandler.Approve)
			r.Post("/approvals/{task_id}/reject", approvalHandler.Reject)

			// Schedules
			r.Post("/schedules", scheduleHandler.Create)
			r.Get("/schedules", scheduleHandler.List)
			r.Get("/schedules/{id}", scheduleHandler.GetByID)
			r.Patch("/schedules/{id}", scheduleHandler.Update)
			r.Delete("/schedules/{id}", scheduleHandler.Delete)

			// Webhooks
			r.Post("/webhooks", webhookHandler.Create)
			r.Get("/webhooks", webhookHandler.List)
			r.Delete("/webhooks/{id}", webhookHandler.Delete)

			// Artifacts
			r.Post("/artifacts/presign", artifactHandler.Presign)
		})
	})

	return r
}
