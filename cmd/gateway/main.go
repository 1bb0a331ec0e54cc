package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	gateway "github.com/glimte/mmate-gateway"
	"github.com/glimte/mmate-gateway/auth"
	"github.com/glimte/mmate-gateway/config"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/rabbitmq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Message dispatch and authorization gateway",
		Long: `The gateway accepts websocket clients, authenticates their commands and
dispatches them to the document store, the message broker and the billing
and instance backends.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve websocket clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	rootCmd.RunE = serveCmd.RunE

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redacted(cfg))
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a root token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokenService(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
			if err != nil {
				return err
			}
			token, err := tokens.CreateToken(contracts.Root(), ttl)
			if err != nil {
				return fmt.Errorf("failed to create token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 5*time.Minute, "Token lifetime")

	rootCmd.AddCommand(serveCmd, checkCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := gateway.New(ctx, cfg, gateway.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("gateway starting", "version", version, "commit", gitCommit)
	return g.Run(ctx)
}

func redacted(cfg config.Config) config.Config {
	const hidden = "***"
	if cfg.Auth.Secret != "" {
		cfg.Auth.Secret = hidden
	}
	if cfg.AMQP.URL != "" {
		cfg.AMQP.URL = rabbitmq.SanitizeURL(cfg.AMQP.URL)
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = hidden
	}
	if cfg.Billing.APIKey != "" {
		cfg.Billing.APIKey = hidden
	}
	if cfg.Instances.Token != "" {
		cfg.Instances.Token = hidden
	}
	return cfg
}
