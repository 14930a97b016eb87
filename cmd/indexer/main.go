// File: cmd/indexer/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/connection"
	"github.com/smartdevs17/token-indexer/internal/indexer"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/server"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/internal/webhook"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application represents the main application
type Application struct {
	config         *config.Config
	logger         *logrus.Logger
	metricsManager *metrics.Manager
	storage        storage.Storage
	client         *connection.RPCClient
	indexer        *indexer.Service
	server         *server.HTTPServer
	startedAt      time.Time
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	app := &Application{config: cfg}

	if err := app.initializeLogger(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := app.initializeComponents(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging
	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}
	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Info("Logger initialized")
	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")
	app.metricsManager = metrics.NewManager()

	store, err := storage.Open(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	app.storage = storage.NewStorageWithMetrics(store, app.metricsManager)

	deps := indexer.Dependencies{
		Config:  app.config,
		Store:   app.storage,
		Metrics: app.metricsManager,
	}
	if app.config.Chain.NodeURL != "" {
		app.client = connection.NewRPCClient(&app.config.Chain, app.config.Indexer.PollInterval, app.metricsManager)
		deps.Client = app.client
	}
	if app.config.WebhookProvisioningEnabled() {
		deps.Provider = webhook.NewAlchemyProvider(&app.config.Webhook, app.metricsManager)
	} else if app.config.Indexer.WebhookEnabled() {
		app.logger.Warn("Webhook auth token or delivery URL missing, subscriptions will not be managed")
	}

	app.indexer, err = indexer.New(deps)
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}
	app.server = server.NewHTTPServer(&app.config.Server, app.indexer, app.metricsManager)

	app.logger.Info("All components initialized successfully")
	return nil
}

// Start starts the application
func (app *Application) Start(ctx context.Context) error {
	app.startedAt = time.Now()
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
		"mode":        app.config.Indexer.Mode,
	}).Info("Starting token indexer")

	if err := app.server.Start(); err != nil {
		return err
	}
	if err := app.indexer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start indexer: %w", err)
	}
	app.metricsManager.GetPrometheusMetrics().UpdateApplicationUptime(app.startedAt)

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"node_url":       app.config.Chain.NodeURL,
		"factory":        app.config.Indexer.FactoryAddress,
	}).Info("Token indexer started successfully")
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping token indexer")

	if app.server != nil {
		if err := app.server.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}
	if app.indexer != nil {
		if err := app.indexer.Stop(); err != nil {
			app.logger.WithError(err).Error("Failed to stop indexer")
		}
	}
	app.Close()

	app.logger.Info("Token indexer stopped successfully")
	return nil
}

// Close releases the storage and chain connections
func (app *Application) Close() {
	if app.client != nil {
		if err := app.client.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close chain client")
		}
	}
	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}
}

// CLI Commands

var rootCmd = &cobra.Command{
	Use:     "token-indexer",
	Short:   "ERC-20 token holder indexer",
	Long:    `Materializes ERC-20 holder balances and Transfer history from factory deployed tokens, fed by RPC watchers and provider webhooks.`,
	Version: AppVersion,
}

// loadConfig loads and validates the configuration named by --config
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexer and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := NewApplication(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := app.Start(ctx); err != nil {
			app.Stop()
			return fmt.Errorf("failed to start application: %w", err)
		}

		<-ctx.Done()
		fmt.Println("\nReceived shutdown signal, stopping application...")
		return app.Stop()
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill one token, or every active token from its scan cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := NewApplication(cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			results, err := app.indexer.BackfillActive(ctx)
			printJSON(results)
			return err
		}

		from, _ := cmd.Flags().GetUint64("from")
		to, _ := cmd.Flags().GetUint64("to")
		result, err := app.indexer.Backfill(ctx, token, from, to)
		if err != nil {
			return fmt.Errorf("backfill failed: %w", err)
		}
		printJSON(result)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one webhook subscription reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := NewApplication(cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.indexer.Reconcile(cmd.Context())
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		if repair, _ := cmd.Flags().GetBool("repair"); repair {
			removed, reregistered, err := app.indexer.RepairSubscriptions(cmd.Context())
			if err != nil {
				return fmt.Errorf("subscription repair failed: %w", err)
			}
			fmt.Printf("Removed %d inactive subscriptions\n", removed)
			printJSON(reregistered)
		}
		printJSON(report)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("token-indexer %s\n", AppVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Mode: %s\n", cfg.Indexer.Mode)
		fmt.Printf("Chain node: %s\n", cfg.Chain.NodeURL)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Factory: %s\n", cfg.Indexer.FactoryAddress)
		fmt.Printf("Webhook provisioning: %t\n", cfg.WebhookProvisioningEnabled())
		return nil
	},
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	backfillCmd.Flags().String("token", "", "token address; all active tokens when empty")
	backfillCmd.Flags().Uint64("from", 0, "first block")
	backfillCmd.Flags().Uint64("to", 0, "last block, chain head when 0")
	reconcileCmd.Flags().Bool("repair", false, "also delete inactive and re-register failed subscriptions")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
