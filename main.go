package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"futures-risk-bot/config"
	"futures-risk-bot/internal/api"
	"futures-risk-bot/internal/auth"
	"futures-risk-bot/internal/bot"
	"futures-risk-bot/internal/compliance"
	"futures-risk-bot/internal/database"
	"futures-risk-bot/internal/logging"
	"futures-risk-bot/internal/rotation"
	"futures-risk-bot/internal/tradingmode"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "futures-risk-bot",
		Short:         "Futures trading safety core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "config file (.json, .yaml)")

	loadConfig := func() (*config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		logCfg := cfg.LoggingConfig
		logCfg.Component = "main"
		logger := logging.New(&logCfg)
		logging.SetDefault(logger)
		return cfg, logger, nil
	}

	root.AddCommand(
		runCmd(loadConfig),
		resetFailSafeCmd(loadConfig),
		verifyManifestCmd(loadConfig),
		tokenCmd(loadConfig),
		sampleConfigCmd(),
	)
	return root
}

type configLoader func() (*config.Config, zerolog.Logger, error)

func runCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the safety core and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			b, err := bot.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize bot: %w", err)
			}
			if err := b.Start(ctx); err != nil {
				return fmt.Errorf("failed to start bot: %w", err)
			}

			var server *api.Server
			if cfg.ServerConfig.Enabled {
				var jwtManager *auth.JWTManager
				if cfg.AuthConfig.JWTSecret != "" {
					jwtManager, err = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.TokenDuration)
					if err != nil {
						b.Stop()
						return err
					}
				}
				server = api.NewServer(api.ServerConfig{
					Port:           cfg.ServerConfig.Port,
					Host:           cfg.ServerConfig.Host,
					ProductionMode: cfg.ServerConfig.ProductionMode,
					AllowOrigins:   cfg.ServerConfig.Origins(),
				}, b, jwtManager, logger)

				go func() {
					if err := server.Start(); err != nil {
						logger.Error().Err(err).Msg("HTTP server failed")
					}
				}()
			}

			logger.Info().Str("mode", b.TradingMode()).Msg("Running, waiting for shutdown signal")
			<-ctx.Done()
			logger.Info().Msg("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerConfig.ShutdownTimeout)
			defer cancel()
			if server != nil {
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error().Err(err).Msg("Error shutting down web server")
				}
			}
			b.Stop()

			logger.Info().Msg("Shutdown complete")
			return nil
		},
	}
}

// resetFailSafeCmd clears the persisted fail-safe latch while the bot is not
// running. A running bot is reset through the API instead.
func resetFailSafeCmd(load configLoader) *cobra.Command {
	var operator, reason string

	cmd := &cobra.Command{
		Use:   "reset-failsafe",
		Short: "Clear a latched fail-safe in the durable state store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if !cfg.RedisConfig.Enabled {
				return errors.New("no durable state store configured (redis.enabled=false), nothing to reset")
			}
			ctx := cmd.Context()

			client := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisConfig.Address,
				Password: cfg.RedisConfig.Password,
				DB:       cfg.RedisConfig.DB,
			})
			defer client.Close()

			store := database.NewRedisStateStore(ctx, client, logger)
			if !store.IsRedisAvailable() {
				return errors.New("redis is unreachable, refusing to reset against an in-memory state")
			}

			opts := []compliance.Option{compliance.WithStateStore(store)}
			if cfg.DatabaseConfig.Enabled() {
				db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
				if err != nil {
					return err
				}
				defer db.Close()
				opts = append(opts, compliance.WithAuditSink(database.NewRepository(db)))
			}

			enforcer, err := compliance.NewEnforcer(cfg.ComplianceConfig, tradingmode.NewCell(), logger, opts...)
			if err != nil {
				return err
			}
			if err := enforcer.Load(ctx); err != nil {
				return err
			}
			if err := enforcer.ResetFailSafe(ctx, operator, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fail-safe cleared by %s\n", operator)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator performing the reset (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the reset (required)")
	_ = cmd.MarkFlagRequired("operator")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func verifyManifestCmd(load configLoader) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "verify-manifest",
		Short: "Validate the model manifest and every artifact hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, _, err := load()
				if err != nil {
					return err
				}
				path = cfg.RotationConfig.ManifestPath
			}
			m, err := rotation.LoadManifest(path)
			if err != nil {
				return err
			}
			if err := m.VerifyAll(); err != nil {
				return fmt.Errorf("manifest %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest %s (version %s): %d regimes verified\n", path, m.Version, len(m.RegimeNames()))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "manifest", "", "manifest path (defaults to rotation.manifest_path)")
	return cmd
}

func tokenCmd(load configLoader) *cobra.Command {
	var operator, role string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.AuthConfig.TokenDuration
			}
			jm, err := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, ttl)
			if err != nil {
				return err
			}
			token, err := jm.GenerateToken(operator, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator name (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "operator or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_duration)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func sampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample-config [file]",
		Short: "Write the default configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.GenerateSampleConfig(args[0])
		},
	}
}
