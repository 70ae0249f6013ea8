package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blackmichael/timeline-cache/internal/config"
	"github.com/blackmichael/timeline-cache/internal/httpserver"
)

var (
	rootCmd = &cobra.Command{
		Use:           "timeline",
		Short:         "Timeline cache service",
		Long:          "Serves home, user, likes and comment timelines from a cache kept warm by fan-out on write. Every flag can also be set through the environment (e.g. DATABASE_URL, AGGREGATOR_DELAY).",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the batch aggregator",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	aggregateCmd = &cobra.Command{
		Use:   "aggregate",
		Short: "Run only the batch aggregator",
		Args:  cobra.NoArgs,
		RunE:  runAggregate,
	}

	warmCmd = &cobra.Command{
		Use:   "warm UID...",
		Short: "Load users into the cache ahead of their first request",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWarm,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the relational schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
)

func init() {
	cobra.OnInitialize(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(".env.local")
	})

	config.RegisterFlags(rootCmd.PersistentFlags())
	serveCmd.Flags().Bool("no-aggregator", false, "do not start the aggregator in this process")
	aggregateCmd.Flags().Bool("once", false, "run a single batch and exit")

	rootCmd.AddCommand(serveCmd, aggregateCmd, warmCmd, migrateCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if skip, _ := cmd.Flags().GetBool("no-aggregator"); !skip {
		go app.aggregator.Run(ctx)
	}

	server := httpserver.NewServer(cfg, app.engine, app.social, app.hub, app.metrics, app.logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			app.logger.Error("http server exited with error", "error", err)
			cancel()
		}
	}()

	app.logger.Info("server started", "port", cfg.Port, "cache", redactURL(cfg.RedisURL))

	<-ctx.Done()
	app.logger.Info("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("error shutting down http server", "error", err)
	}
	return nil
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if once, _ := cmd.Flags().GetBool("once"); once {
		result, err := app.aggregator.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d posts, %d users\n", result.RunID, result.Posts, result.Users)
		return nil
	}

	app.aggregator.Run(ctx)
	return nil
}

func runWarm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := signalContext()
	defer cancel()

	for _, arg := range args {
		uid, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid uid %q: %w", arg, err)
		}
		if err := app.engine.EnsureWarm(ctx, uid); err != nil {
			return fmt.Errorf("warm uid %d: %w", uid, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "warmed %d\n", uid)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, cancel := signalContext()
	defer cancel()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
	return nil
}
