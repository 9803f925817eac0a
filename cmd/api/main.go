// Package main is the entry point for the chatflow server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/config"
	"github.com/capitalize-ai/chatflow/internal/middleware"
	"github.com/capitalize-ai/chatflow/internal/store/postgres"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatflow",
		Short:         "Messaging ingest and conversational flow server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the webhook and API server",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE:  runMigrate,
		},
		newTokenCommand(),
	)
	return root
}

// setup loads and validates configuration and builds the process logger.
func setup() (*config.Config, *logger.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return nil, nil, err
	}
	logger.SetGlobal(log)
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		log.Error("migration failed", zap.Error(err))
		return err
	}
	log.Info("migrations applied")
	return nil
}

// newTokenCommand issues operator tokens for local use.
func newTokenCommand() *cobra.Command {
	var (
		tenantID string
		subject  string
		scopes   string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if err := middleware.ValidateTenantID(tenantID); err != nil {
				return err
			}
			var list []string
			for _, s := range strings.Split(scopes, ",") {
				if s = strings.TrimSpace(s); s != "" {
					list = append(list, s)
				}
			}
			token, err := middleware.IssueToken(cfg.JWTSecret, tenantID, subject, list, cfg.JWTExpiration)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id the token is bound to")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&scopes, "scopes", "", "comma separated scopes, e.g. admin")
	cmd.MarkFlagRequired("tenant")
	return cmd
}
