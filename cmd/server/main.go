/*
main.go - Application entry point

PURPOSE:
  Command line for the Learner Credit engine. Loads configuration, wires
  the engine, and runs one of its commands.

COMMANDS:
  serve                        HTTP API plus the expiration scheduler
  expire-assignments           One expiration sweep, then exit
      --dry-run                Report what would change, write nothing
  provision --file FILE        Create-or-get every policy in a YAML/JSON file

GLOBAL FLAGS:
  --config FILE   Config file (default: ./configs/config.yaml if present)

ENVIRONMENT:
  Every config key can be overridden with LEARNERCREDIT_<SECTION>_<KEY>,
  e.g. LEARNERCREDIT_SERVER_PORT=9090, LEARNERCREDIT_REDIS_ENABLED=true.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiration scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close the lock store and database

SEE ALSO:
  - engine.go: Dependency wiring
  - api/server.go: Router configuration
  - configs/config.yaml: Sample configuration
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/learner-credit/api"
	"github.com/warp/learner-credit/config"
	"github.com/warp/learner-credit/factory"
	"github.com/warp/learner-credit/logger"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "learner-credit",
		Short:         "Learner Credit subsidy access policy engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./configs/config.yaml)")

	rootCmd.AddCommand(
		newServeCommand(),
		newExpireCommand(),
		newProvisionCommand(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config, initializes logging and builds the engine.
func setup(ctx context.Context) (*config.Config, *engine, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(&cfg.Logger); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, eng, nil
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and expiration scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, eng, err := setup(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	log := logger.WithComponent("server")

	handler := api.NewHandler(api.Dependencies{
		Policies:    eng.service,
		Evaluator:   eng.evaluator,
		Redeemer:    eng.redeemer,
		Allocator:   eng.allocator,
		Assignments: eng.assignments,
		Sweeper:     eng.sweeper,
		Logger:      logger.WithComponent("http"),
	})
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gatherer:       eng.registry,
	})

	scheduler := api.NewExpirationScheduler(eng.sweeper, logger.WithComponent("scheduler"))
	scheduler.Enabled = cfg.Expiration.Enabled
	scheduler.Interval = cfg.Expiration.Interval

	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "address", srv.Addr, "mode", cfg.Server.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

// =============================================================================
// EXPIRE-ASSIGNMENTS
// =============================================================================

func newExpireCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "expire-assignments",
		Short: "Run one assignment expiration sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, eng, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.sweeper.Run(cmd.Context(), dryRun)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				enc.Encode(res)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be expired without writing")
	return cmd
}

// =============================================================================
// PROVISION
// =============================================================================

func newProvisionCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create-or-get the policies described in a YAML or JSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := factory.NewPolicyFactory()
			doc, err := f.ParseFile(file)
			if err != nil {
				return err
			}

			_, eng, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			results, err := f.Provision(cmd.Context(), eng.service, doc)
			for _, r := range results {
				verb := "exists "
				if r.Created {
					verb = "created"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s subsidy=%s\n", verb, r.Policy.ID, r.Policy.Type, r.Policy.SubsidyID)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "provisioning document (.yaml, .yml or .json)")
	cmd.MarkFlagRequired("file")
	return cmd
}
