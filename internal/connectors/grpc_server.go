package connectors

import (
	"context"
	"crypto/subtle"
	"sort"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

// agentServer публикует локального агента по gRPC
type agentServer struct {
	agent  domain.Agent
	funcs  map[string]domain.AgentFunc
	logger *zap.Logger
}

// RegisterAgentServer вешает на s сервис агента и стандартный grpc.health.v1.
func RegisterAgentServer(s *grpc.Server, agent domain.Agent, logger *zap.Logger) {
	srv := &agentServer{
		agent:  agent,
		logger: logger.With(zap.String("mod", "agent-server"), zap.String("agent", agent.Name())),
	}
	if fp, ok := agent.(domain.FunctionProvider); ok {
		srv.funcs = fp.Functions()
	}
	s.RegisterService(&agentServiceDesc, srv)
	grpc_health_v1.RegisterHealthServer(s, &healthServer{agent: agent})
}

func (s *agentServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in executeRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var (
		res domain.Result
		err error
	)
	if in.Function == "" || in.Function == domain.CoreFunction {
		res, err = s.agent.ExecuteCore(ctx, domain.ExecutionInput{
			Parameters:      in.Parameters,
			SharedContext:   in.SharedContext,
			PreviousResults: in.PreviousResults,
		})
	} else {
		fn, ok := s.funcs[in.Function]
		if !ok {
			return nil, status.Errorf(codes.NotFound, "function %q is not provided by %s", in.Function, s.agent.Name())
		}
		res, err = fn(ctx, in.Parameters)
	}
	if err != nil {
		s.logger.Warn("execution failed", zap.String("function", in.Function), zap.Error(err))
		trailer, stErr := toStatus(err)
		if trailer != nil {
			_ = grpc.SetTrailer(ctx, trailer)
		}
		return nil, stErr
	}

	out, err := toStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *agentServer) Initialize(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.agent.Initialize(ctx); err != nil {
		s.logger.Error("initialization failed", zap.Error(err))
		trailer, stErr := toStatus(err)
		if trailer != nil {
			_ = grpc.SetTrailer(ctx, trailer)
		}
		return nil, stErr
	}
	return &emptypb.Empty{}, nil
}

func (s *agentServer) Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	d := description{Name: s.agent.Name(), Version: s.agent.Version()}
	for name := range s.funcs {
		d.Functions = append(d.Functions, name)
	}
	sort.Strings(d.Functions)
	out, err := toStruct(d)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// healthServer отвечает по протоколу grpc.health.v1. Точный статус агента
// (degraded, recovering) уходит в заголовке x-agent-status.
type healthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	agent domain.Agent
}

func (h *healthServer) Check(ctx context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	rep, err := h.agent.HealthCheck(ctx)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(agentStatusHeader, string(rep.Status), agentMessageHeader, rep.Message))

	st := grpc_health_v1.HealthCheckResponse_SERVING
	if rep.Status == domain.StatusFailed {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// UnaryTokenInterceptor проверяет общий секрет в метаданных вызова.
// Пустой token отключает проверку.
func UnaryTokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		got := md.Get(agentTokenHeader)
		if len(got) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing agent token")
		}
		if subtle.ConstantTimeCompare([]byte(got[0]), []byte(token)) != 1 {
			return nil, status.Error(codes.PermissionDenied, "invalid agent token")
		}
		return handler(ctx, req)
	}
}
