package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
)

const (
	DefaultRemoteCallTimeout = 30 * time.Second
	initAttempts             = 3
)

// RemoteAgent — агент в другом процессе, доступный по gRPC.
// Реализует domain.Agent, а при объявленных функциях — domain.FunctionProvider.
type RemoteAgent struct {
	name      string
	version   string
	functions []string
	timeout   time.Duration

	conn   grpc.ClientConnInterface
	health grpc_health_v1.HealthClient
	closer func() error
	logger *zap.Logger
}

// DialRemote создает ленивое соединение с агентом: первый вызов поднимет транспорт.
func DialRemote(cfg infra.RemoteAgentConfig, logger *zap.Logger) (*RemoteAgent, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("remote agent %s: empty target", cfg.Name)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.Token != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(tokenClientInterceptor(cfg.Token)))
	}
	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("remote agent %s: dial %s: %w", cfg.Name, cfg.Target, err)
	}
	a := NewRemoteAgent(cfg, conn, logger)
	a.closer = conn.Close
	return a, nil
}

// NewRemoteAgent оборачивает готовое соединение (тесты передают bufconn)
func NewRemoteAgent(cfg infra.RemoteAgentConfig, conn grpc.ClientConnInterface, logger *zap.Logger) *RemoteAgent {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteCallTimeout
	}
	version := cfg.Version
	if version == "" {
		version = "remote"
	}
	return &RemoteAgent{
		name:      cfg.Name,
		version:   version,
		functions: cfg.Functions,
		timeout:   timeout,
		conn:      conn,
		health:    grpc_health_v1.NewHealthClient(conn),
		logger:    logger.With(zap.String("mod", "remote-agent"), zap.String("agent", cfg.Name)),
	}
}

func (a *RemoteAgent) Name() string    { return a.name }
func (a *RemoteAgent) Version() string { return a.version }

// Initialize повторяется с бэкоффом: агент может стартовать позже оркестратора.
// Перегруженный агент сам подсказывает паузу через ThrottleError.
func (a *RemoteAgent) Initialize(ctx context.Context) error {
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(initAttempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			var tErr *ThrottleError
			if errors.As(err, &tErr) {
				return tErr.RetryAfter
			}
			a.logger.Warn("remote agent not ready, retrying", zap.Uint("attempt", n), zap.Error(err))
			return retry.BackOffDelay(n, err, config)
		}),
	).Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		var trailer metadata.MD
		err := a.conn.Invoke(callCtx, methodInitialize, &emptypb.Empty{}, &emptypb.Empty{}, grpc.Trailer(&trailer))
		if err != nil {
			return fromStatus(err, trailer)
		}
		return nil
	})
}

// ExecuteCore не повторяется: вызов агента может быть неидемпотентным.
func (a *RemoteAgent) ExecuteCore(ctx context.Context, in domain.ExecutionInput) (domain.Result, error) {
	return a.execute(ctx, executeRequest{
		Parameters:      in.Parameters,
		SharedContext:   in.SharedContext,
		PreviousResults: in.PreviousResults,
	})
}

func (a *RemoteAgent) execute(ctx context.Context, req executeRequest) (domain.Result, error) {
	payload, err := toStruct(req)
	if err != nil {
		return domain.Result{}, fmt.Errorf("remote agent %s: %w", a.name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out := new(structpb.Struct)
	var trailer metadata.MD
	if err := a.conn.Invoke(callCtx, methodExecute, payload, out, grpc.Trailer(&trailer)); err != nil {
		return domain.Result{}, fmt.Errorf("remote agent %s: %w", a.name, fromStatus(err, trailer))
	}

	var res domain.Result
	if err := fromStruct(out, &res); err != nil {
		return domain.Result{}, fmt.Errorf("remote agent %s: %w", a.name, err)
	}
	return res, nil
}

// Functions — объявленные в конфиге функции, каждая — вызов Execute с именем функции
func (a *RemoteAgent) Functions() map[string]domain.AgentFunc {
	out := make(map[string]domain.AgentFunc, len(a.functions))
	for _, name := range a.functions {
		fn := name
		out[fn] = func(ctx context.Context, params map[string]any) (domain.Result, error) {
			return a.execute(ctx, executeRequest{Function: fn, Parameters: params})
		}
	}
	return out
}

// HealthCheck по grpc.health.v1. Без заголовка x-agent-status статус выводится из SERVING.
func (a *RemoteAgent) HealthCheck(ctx context.Context) (domain.HealthReport, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var header metadata.MD
	resp, err := a.health.Check(callCtx, &grpc_health_v1.HealthCheckRequest{}, grpc.Header(&header))
	if err != nil {
		return domain.HealthReport{}, fmt.Errorf("remote agent %s: health check: %w", a.name, err)
	}

	rep := domain.HealthReport{Status: domain.StatusDegraded}
	if v := header.Get(agentStatusHeader); len(v) > 0 && v[0] != "" {
		rep.Status = domain.AgentStatus(v[0])
	} else {
		switch resp.GetStatus() {
		case grpc_health_v1.HealthCheckResponse_SERVING:
			rep.Status = domain.StatusHealthy
		case grpc_health_v1.HealthCheckResponse_NOT_SERVING:
			rep.Status = domain.StatusFailed
		}
	}
	if v := header.Get(agentMessageHeader); len(v) > 0 {
		rep.Message = v[0]
	}
	return rep, nil
}

// Describe спрашивает у агента имя, версию и список функций
func (a *RemoteAgent) Describe(ctx context.Context) (name, version string, functions []string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := a.conn.Invoke(callCtx, methodDescribe, &emptypb.Empty{}, out); err != nil {
		return "", "", nil, fmt.Errorf("remote agent %s: describe: %w", a.name, err)
	}
	var d description
	if err := fromStruct(out, &d); err != nil {
		return "", "", nil, err
	}
	return d.Name, d.Version, d.Functions, nil
}

func (a *RemoteAgent) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer()
}

func tokenClientInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, agentTokenHeader, token)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
