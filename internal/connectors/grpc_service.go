package connectors

/*
Контракт удаленного агента: сервис orchestrator.agent.v1.AgentService.
Сообщения — google.protobuf.Struct/Empty, поэтому сгенерированный код не нужен:
описание сервиса и клиентские вызовы собраны вручную поверх штатного proto-кодека gRPC.
*/

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
)

const (
	AgentServiceName = "orchestrator.agent.v1.AgentService"

	methodExecute    = "/" + AgentServiceName + "/Execute"
	methodInitialize = "/" + AgentServiceName + "/Initialize"
	methodDescribe   = "/" + AgentServiceName + "/Describe"

	// Метаданные ответа на health check: точный статус агента
	agentStatusHeader  = "x-agent-status"
	agentMessageHeader = "x-agent-message"
	// Метаданные запроса: общий секрет
	agentTokenHeader = "x-agent-token"
)

// AgentServiceServer — серверная сторона контракта
type AgentServiceServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Initialize(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
	Describe(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*AgentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Initialize", Handler: initializeHandler},
		{MethodName: "Describe", Handler: describeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchestrator/agent/v1/agent.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodExecute}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServiceServer).Execute(ctx, req.(*structpb.Struct))
	})
}

func initializeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).Initialize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInitialize}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServiceServer).Initialize(ctx, req.(*emptypb.Empty))
	})
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServiceServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDescribe}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServiceServer).Describe(ctx, req.(*emptypb.Empty))
	})
}

// executeRequest — полезная нагрузка Execute. Function пустая — ExecuteCore.
type executeRequest struct {
	Function        string                   `json:"function,omitempty"`
	Parameters      map[string]any           `json:"parameters,omitempty"`
	SharedContext   map[string]any           `json:"shared_context,omitempty"`
	PreviousResults map[string]domain.Result `json:"previous_results,omitempty"`
}

type description struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Functions []string `json:"functions,omitempty"`
}

// toStruct переводит Go-значение в Struct через JSON: так типы вроде []string
// или int64 приводятся к тому, что понимает structpb.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build proto struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal proto struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode proto struct: %w", err)
	}
	return nil
}
