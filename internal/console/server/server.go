package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/console/handler"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra/auth"
)

type Handlers struct {
	Auth     *handler.AuthHandler     // /auth/token
	Approval *handler.ApprovalHandler // /v1/approvals (HITL)
	Control  *handler.ControlHandler  // /v1/control
	Agent    *handler.AgentHandler    // /v1/agents, /v1/watchdog, /v1/dashboard
	Task     *handler.TaskHandler     // /v1/tasks
	Audit    *handler.AuditHandler    // /v1/audit
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка токенов операторов (RS256)
	authValidator auth.TokenValidator
	h             Handlers
}

// NewConsoleServer собирает роутер операторской консоли
func NewConsoleServer(validator auth.TokenValidator, h Handlers, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		h:             h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestIDHeader)
	r.Use(AccessLog(s.logger))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.h.Auth.Login)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Get("/v1/dashboard", s.h.Agent.Dashboard)
		r.Get("/v1/audit", s.h.Audit.GetLogs)

		// Human-in-the-loop
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeApprovals))
			r.Route("/v1/approvals", func(r chi.Router) {
				r.Get("/", s.h.Approval.List)
				r.Post("/cleanup", s.h.Approval.Cleanup)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.h.Approval.GetDetails)
					r.Post("/approve", s.h.Approval.Approve)
					r.Post("/reject", s.h.Approval.Reject)
				})
			})
			r.Get("/v1/operators/stats", s.h.Approval.Stats)
		})

		// Аварийные рубильники и Watchdog
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeControl))
			r.Route("/v1/control", func(r chi.Router) {
				r.Post("/emergency-stop", s.h.Control.EmergencyStop)
				r.Post("/resume", s.h.Control.ResumeOperations)
				r.Post("/pause", s.h.Control.Pause)
				r.Post("/unpause", s.h.Control.Unpause)
				r.Get("/status", s.h.Agent.Dashboard)
			})
			r.Route("/v1/watchdog", func(r chi.Router) {
				r.Get("/", s.h.Agent.Watchdog)
				r.Post("/agents/{name}/clear", s.h.Agent.ClearHalt)
			})
		})

		// Агенты и задачи
		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.h.Agent.List)
			r.Get("/{name}", s.h.Agent.Get)
			r.With(auth.RequireScope(domain.ScopeControl)).Delete("/{name}", s.h.Agent.Unregister)
			r.Post("/{name}/functions/{fn}", s.h.Task.CallFunction)
		})
		r.Route("/v1/tasks", func(r chi.Router) {
			r.Post("/", s.h.Task.Submit)
			r.Get("/{id}", s.h.Task.Get)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
