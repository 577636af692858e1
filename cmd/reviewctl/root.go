package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-orchestrator/internal/infra"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/sqlstore"
)

type globalOpts struct {
	configPath string
	driver     string
	dsn        string
	operator   string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:   "reviewctl",
		Short: "Human review of actions held by bounded autonomy",
		Long: `reviewctl lists, inspects and decides actions waiting for operator approval.
Decisions go straight to the approval store; a running orchestrator executes
approved actions on its next reconcile pass.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "orchestrator config file")
	pf.StringVar(&opts.driver, "db-driver", "", "override database.driver (sqlite|postgres)")
	pf.StringVar(&opts.dsn, "db", "", "override database path/url")
	pf.StringVar(&opts.operator, "operator", defaultOperator(), "operator name recorded in history")
	pf.StringVarP(&opts.output, "output", "o", "table", "output format: table|yaml|json")

	root.AddCommand(
		pendingCmd(opts),
		showCmd(opts),
		approveCmd(opts),
		rejectCmd(opts),
		statsCmd(opts),
		cleanupCmd(opts),
		trailCmd(opts),
		hashPasswordCmd(),
	)
	return root
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli_operator"
}

// withStore открывает хранилище по конфигу оркестратора (флаги перекрывают)
func withStore(ctx context.Context, opts *globalOpts, fn func(ctx context.Context, s *sqlstore.Store) error) error {
	cfg, err := infra.LoadConfigFrom(opts.configPath)
	if err != nil {
		return err
	}
	if opts.driver != "" {
		cfg.Database.Driver = opts.driver
	}
	driver, dsn := cfg.Database.Driver, cfg.Database.DSN()
	if opts.dsn != "" {
		dsn = opts.dsn
	}

	s, err := sqlstore.Open(ctx, driver, dsn, zap.NewNop(), sqlstore.WithMaxConns(2))
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}
	defer s.Close()
	return fn(ctx, s)
}
