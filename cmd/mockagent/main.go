package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-orchestrator/internal/connectors"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
)

// mockagent — gRPC-агент для проверки agents.remote без настоящей бизнес-логики
func main() {
	var (
		addr  string
		name  string
		token string
		level string
	)
	root := &cobra.Command{
		Use:           "mockagent",
		Short:         "Serve a mock agent over gRPC",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := infra.NewLogger(infra.LoggerConfig{Level: level, Format: "console"})
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), addr, name, token, logger)
		},
	}
	root.Flags().StringVar(&addr, "addr", ":50051", "listen address")
	root.Flags().StringVar(&name, "name", "remote_analyst", "agent name")
	root.Flags().StringVar(&token, "token", "", "shared token expected in x-agent-token")
	root.Flags().StringVar(&level, "log-level", "info", "log level")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mockagent:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, addr, name, token string, logger *zap.Logger) error {
	agent := connectors.NewMockAgent(name).
		WithOutput(map[string]any{"source": name}, map[string]any{"remote": true}).
		WithFunction("analyze_data", func(ctx context.Context, params map[string]any) (domain.Result, error) {
			return domain.Result{Status: "success", Output: map[string]any{"input": params}}, nil
		})

	var opts []grpc.ServerOption
	if token != "" {
		opts = append(opts, grpc.UnaryInterceptor(connectors.UnaryTokenInterceptor(token)))
	}
	srv := grpc.NewServer(opts...)
	connectors.RegisterAgentServer(srv, agent, logger)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("mock agent serving", zap.String("agent", name), zap.String("addr", addr))
	return srv.Serve(lis)
}
