// Package cmd defines and implements the CLI commands for the carscan executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/carscan/internal/app"
	"github.com/JakeFAU/carscan/internal/chat"
	"github.com/JakeFAU/carscan/internal/config"
	"github.com/JakeFAU/carscan/internal/logging"
	"github.com/JakeFAU/carscan/internal/vehicle"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context) error
	Scan(ctx context.Context, number string, report vehicle.ReportType) ([]chat.Message, error)
	Balance(ctx context.Context) (float64, error)
	Close(ctx context.Context)
	Logger() *zap.Logger
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. The returned func
// closes the application built by the command, if any, and must run after
// Execute whether or not it failed.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile  string
		instance App
	)
	cmd := &cobra.Command{
		Use:   "carscan",
		Short: "Vehicle record acquisition service.",
		Long: `carscan resolves a Russian plate number or VIN into a vehicle record by
driving the public registry and traffic police portals, solving their
captchas through a solving service, and serving the results over a chat
front-end and a CRUD API.`,
		SilenceUsage: true,

		// Build and inject the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			instance = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and CARSCAN_* environment variables otherwise)")

	cmd.AddCommand(newServeCmd(), newScanCmd(), newBalanceCmd())

	cleanup := func() {
		if instance == nil {
			return
		}
		instance.Close(context.Background())
		_ = logging.Sync(instance.Logger())
		instance = nil
	}
	return cmd, cleanup
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(context.Background())
	cleanup()
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
