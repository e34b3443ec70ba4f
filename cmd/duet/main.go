package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"duet/internal/app"
	"duet/internal/config"
	"duet/internal/database"
	pkgdatabase "duet/pkg/database"
)

// Set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "duet",
		Short:        "duet: two-party chat and call signaling server",
		Long:         "duet relays chat messages, typing indicators and WebRTC call signaling between a fixed set of users.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DUET_CONFIG_FILE"), "path to a JSON or YAML config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and validate the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), *configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "duet %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// runServe starts the application and blocks until a signal or a serve error
func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	// STEP 1: Load configuration (defaults, then env, then file)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// STEP 2: Build the component graph
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Shut down on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 4: Serve
	serveErr, err := application.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	// STEP 5: Wait for shutdown signal or server failure
	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("Shutdown requested, stopping gracefully")
	case err := <-serveErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}

func runMigrate(out io.Writer, configPath string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	dbManager, err := database.NewManager(app.DatabaseConfig(cfg))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbManager.Close()

	if err := dbManager.ApplyMigrations(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(dbManager.GetDB()).Validate(); err != nil {
		return fmt.Errorf("validate schema: %w", err)
	}

	versions, err := dbManager.AppliedVersions()
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	fmt.Fprintf(out, "Database %s is up to date\n", cfg.Database.Path)
	for _, v := range versions {
		fmt.Fprintf(out, "  applied %s\n", v)
	}
	return nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
