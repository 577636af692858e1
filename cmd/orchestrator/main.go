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

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/audit"
	"github.com/xela07ax/spaceai-orchestrator/internal/bounded"
	"github.com/xela07ax/spaceai-orchestrator/internal/breaker"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/handler"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/server"
	"github.com/xela07ax/spaceai-orchestrator/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator/internal/engine"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra/auth"
	"github.com/xela07ax/spaceai-orchestrator/internal/metrics"
	"github.com/xela07ax/spaceai-orchestrator/internal/policy"
	"github.com/xela07ax/spaceai-orchestrator/internal/registry"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/sqlstore"
	"github.com/xela07ax/spaceai-orchestrator/internal/risk"
	"github.com/xela07ax/spaceai-orchestrator/internal/watchdog"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Multi-agent orchestrator with bounded autonomy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml (default ./config.yaml or ./configs/config.yaml)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := infra.LoadConfigFrom(cfgPath)
	if err != nil {
		return err
	}

	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// 1. Инфраструктура и ресурсы
	store, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN(), logger,
		sqlstore.WithMaxConns(cfg.Database.MaxConns))
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := connectRedis(ctx, cfg.Redis, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	days, err := audit.NewDayLog(cfg.Audit.Dir)
	if err != nil {
		return err
	}
	var sink audit.Storage = days
	if cfg.Audit.MirrorDB {
		sink = audit.Tee{days, store}
	}
	trail := audit.NewTrail(sink, audit.Options{
		BufferSize:    cfg.Audit.BufferSize,
		FlushInterval: cfg.Audit.FlushInterval,
		Fill:          m.AuditBufferFill,
		Dropped:       func() { m.ErrorTotal.WithLabelValues(metrics.ErrTypeAuditDropped).Inc() },
	}, logger)
	trail.Start()
	defer trail.Stop()

	// 2. Ядро
	agents := registry.New(logger)
	breakers := breaker.NewSet(cfg.Breaker.FailureThreshold, cfg.Breaker.Timeout, func(agent string, state float64) {
		m.CircuitBreakerState.WithLabelValues(agent).Set(state)
	}, logger)
	core := engine.NewOrchestrator(agents, breakers, logger,
		engine.WithMetrics(m),
		engine.WithAuditor(trail),
		engine.WithCallTimeout(cfg.Orchestrator.AgentCallTimeout),
		engine.WithTaskTableSize(cfg.Orchestrator.TaskTableSize),
		engine.WithHistorySize(cfg.Orchestrator.HistorySize),
	)

	// 3. Control Plane
	wd := watchdog.New(agents, cfg.Watchdog, logger,
		watchdog.WithMetrics(m),
		watchdog.WithRedis(rdb),
		watchdog.WithNotifier(watchdog.NewFileQueue(cfg.Watchdog.NotificationsFile, rdb, logger)),
	)
	if err := wd.Init(ctx); err != nil {
		return fmt.Errorf("init watchdog: %w", err)
	}

	ks := engine.NewKillSwitch(rdb, logger)
	if err := ks.Init(ctx); err != nil {
		return fmt.Errorf("init kill switch: %w", err)
	}
	go ks.Listen(ctx)

	classifier := risk.NewKeywordClassifier(keywords(cfg.Bounded), logger)
	netPolicy := policy.NewNetworkPolicy(cfg.Bounded.LocalOnly, cfg.Bounded.NetworkKeywords)
	settings := bounded.NewSettings(cfg.Bounded.AutoApproveLowRisk, cfg.Bounded.ApprovalTimeout)
	bo := engine.NewBoundedOrchestrator(core, engine.BoundedDeps{
		Store:      store,
		KillSwitch: ks,
		Classifier: classifier,
		Policy:     netPolicy,
		Settings:   settings,
		Auditor:    trail,
		Metrics:    m,
		Incidents:  wd,
	}, logger)

	// Политика ограниченной автономии перечитывается на лету
	_, err = infra.WatchBounded(cfgPath, func(b infra.BoundedConfig, e fsnotify.Event) {
		settings.Update(b.AutoApproveLowRisk, b.ApprovalTimeout)
		netPolicy.SetLocalOnly(b.LocalOnly)
		netPolicy.SetKeywords(b.NetworkKeywords)
		classifier.SetKeywords(keywords(b))
		logger.Info("bounded policy reloaded",
			zap.String("file", e.Name),
			zap.Bool("local_only", b.LocalOnly),
			zap.Bool("auto_approve_low_risk", b.AutoApproveLowRisk),
			zap.Duration("approval_timeout", b.ApprovalTimeout))
	})
	if err != nil {
		return err
	}

	// 4. Агенты
	if cfg.Agents.Demo {
		if err := registerDemoAgents(ctx, bo); err != nil {
			return err
		}
	}
	for _, rc := range cfg.Agents.Remote {
		closeAgent, err := registerRemote(ctx, bo, rc, logger)
		if err != nil {
			// Недоступный агент не мешает остальным
			logger.Error("remote agent not registered", zap.String("agent", rc.Name), zap.Error(err))
			continue
		}
		defer closeAgent()
	}

	go wd.Run(ctx)
	go every(ctx, cfg.Bounded.ReconcileInterval, func() {
		if _, err := bo.Reconcile(ctx); err != nil {
			logger.Warn("reconcile failed", zap.Error(err))
		}
	})
	go every(ctx, cfg.Bounded.CleanupInterval, func() {
		if _, err := bo.CleanupExpired(ctx); err != nil {
			logger.Warn("cleanup of expired approvals failed", zap.Error(err))
		}
	})

	// 5. HTTP: консоль и метрики
	consoleSrv, err := newConsole(cfg, bo, wd, days, logger)
	if err != nil {
		return err
	}
	servers := []*http.Server{consoleSrv}
	if cfg.Metrics.Addr != "" {
		servers = append(servers, &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}

	// 6. Graceful Shutdown
	select {
	case <-ctx.Done():
		logger.Info("orchestrator stopping")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("server shutdown failed", zap.String("addr", srv.Addr), zap.Error(serr))
		}
	}
	if n := core.CancelRunning("shutdown"); n > 0 {
		logger.Info("running tasks cancelled", zap.Int("count", n))
	}
	logger.Info("orchestrator exited properly")
	return err
}

func newConsole(cfg *infra.Config, bo *engine.BoundedOrchestrator, wd *watchdog.Watchdog, days *audit.DayLog, logger *zap.Logger) (*http.Server, error) {
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("console auth: %w", err)
	}
	priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("console auth: %w", err)
	}

	authSvc := service.NewAuthService(cfg.Console.Operators, auth.NewIssuer(priv, cfg.Auth.TokenTTL), auth.NewBaseValidator(pub), logger)
	h := server.Handlers{
		Auth:     handler.NewAuthHandler(authSvc),
		Approval: handler.NewApprovalHandler(bo),
		Control:  handler.NewControlHandler(bo),
		Agent:    handler.NewAgentHandler(service.NewAgentService(bo, wd, logger)),
		Task:     handler.NewTaskHandler(bo),
		Audit:    handler.NewAuditHandler(service.NewAuditService(days)),
	}

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Console.Host, cfg.Console.Port),
		Handler:      server.NewConsoleServer(authSvc, h, logger),
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}, nil
}

// connectRedis — без Redis оркестратор работает в локальном режиме
func connectRedis(ctx context.Context, cfg infra.RedisConfig, logger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		logger.Info("redis not configured, control signals stay local")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, control signals stay local", zap.String("addr", cfg.Addr), zap.Error(err))
		rdb.Close()
		return nil
	}
	return rdb
}

func keywords(b infra.BoundedConfig) risk.Keywords {
	return risk.Keywords{Critical: b.CriticalKeywords, High: b.HighKeywords, Medium: b.MediumKeywords}
}

func every(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
