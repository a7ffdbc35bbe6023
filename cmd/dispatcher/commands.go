package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/goliatone/go-dispatch/app"
	"github.com/goliatone/go-dispatch/config"
	"github.com/goliatone/go-dispatch/core"
	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dispatcher",
		Short:         "Admit webhooks and dispatch CI pipeline runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")

	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect dispatch rules",
	}
	rules.AddCommand(newRulesCheckCmd(opts))

	root.AddCommand(newServeCmd(opts), newMigrateCmd(opts), rules, newVersionCmd())
	return root
}

func (o *rootOptions) load(ctx context.Context) (core.Config, error) {
	cfg, err := config.Load(ctx, o.configPath, nil)
	if err != nil {
		return core.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway, dispatcher and completion listener",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.load(ctx)
			if err != nil {
				return err
			}
			service, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = service.Close() }()
			return service.Run(ctx)
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := opts.load(ctx)
			if err != nil {
				return err
			}
			client, err := app.OpenPersistence(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			if err := client.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied to %s\n", cfg.Database.Driver)
			return nil
		},
	}
}

func newRulesCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the rule table and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			table, err := core.NewRuleTable(cfg.Rules)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REPOSITORY\tEVENTS\tPIPELINE\tCAPACITY\tLEASES")
			for _, rule := range table.Rules() {
				leases := strings.Join(rule.LeaseKeys, ",")
				if leases == "" {
					leases = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					rule.RepoFullName,
					strings.Join(rule.AcceptedEvents, ","),
					rule.PipelineName,
					rule.MaxCapacity,
					leases,
				)
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
