package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-dispatch"
	"github.com/glimte/mmate-dispatch/config"
	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/health"
	"github.com/glimte/mmate-dispatch/processor"
	"github.com/glimte/mmate-dispatch/serialization"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:   "mmate-dispatch",
		Short: "Host a message dispatcher",
		Long: `mmate-dispatch consumes the connections listed in MMATE_CONNECTIONS from the
configured transport and hands every message to its registered handler.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringSliceVarP(&envFiles, "env-file", "e", nil, "dotenv files to load before the environment")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume every configured connection until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	connectionsCmd := &cobra.Command{
		Use:   "connections",
		Short: "Print the configured connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			printConnections(cmd, cfg)
			return nil
		},
	}

	var (
		count int
		from  string
	)
	pingCmd := &cobra.Command{
		Use:   "ping <channel>",
		Short: "Publish Ping commands to a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFiles...)
			if err != nil {
				return err
			}
			return ping(cmd.Context(), cfg, args[0], from, count)
		},
	}
	pingCmd.Flags().IntVarP(&count, "count", "n", 1, "Number of pings")
	pingCmd.Flags().StringVar(&from, "from", "mmate-dispatch", "Sender name put in each ping")

	rootCmd.AddCommand(runCmd, connectionsCmd, pingCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newClient(ctx context.Context, cfg *config.Config) (*mmate.Client, *processor.CommandProcessor, error) {
	logger := cfg.Logger()
	slog.SetDefault(logger)

	registry := serialization.NewRegistry()
	proc := processor.New(processor.WithLogger(logger))
	if err := registerBuiltins(registry, proc, logger); err != nil {
		proc.Close()
		return nil, nil, err
	}

	client, err := mmate.NewClient(ctx, cfg, registry, proc, mmate.WithLogger(logger))
	if err != nil {
		proc.Close()
		return nil, nil, err
	}
	return client, proc, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	client, proc, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer proc.Close()
	logger := slog.Default()

	var server *http.Server
	if cfg.HealthAddr != "" {
		server = &http.Server{
			Addr:              cfg.HealthAddr,
			Handler:           health.NewServeMux(client.Health(), 5*time.Second),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("health endpoint listening", "addr", cfg.HealthAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health endpoint failed", "error", err)
			}
		}()
	}

	if err := client.Receive(ctx); err != nil {
		return errors.Join(err, shutdown(client, server, cfg.ShutdownTimeout))
	}
	logger.Info("dispatching", "connections", len(client.Dispatcher().Connections()))

	ticker := time.NewTicker(cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
			return shutdown(client, server, cfg.ShutdownTimeout)
		case <-ticker.C:
			logHealth(ctx, logger, client.Health())
		}
	}
}

func shutdown(client *mmate.Client, server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := client.Close(ctx)
	if server != nil {
		err = errors.Join(err, server.Shutdown(ctx))
	}
	return err
}

func logHealth(ctx context.Context, logger *slog.Logger, registry *health.Registry) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	overall := registry.Check(checkCtx)
	if overall.Status == health.StatusHealthy {
		logger.Debug("health", "status", overall.Status, "duration", overall.Duration)
		return
	}
	logger.Warn("health", "status", overall.Status, "failing", overall.Failing())
}

func ping(ctx context.Context, cfg *config.Config, channel, from string, count int) error {
	client, proc, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer proc.Close()
	defer shutdown(client, nil, cfg.ShutdownTimeout)

	for i := 0; i < count; i++ {
		msg, err := serialization.NewCommandMessage(channel, &Ping{BaseCommand: contracts.NewBaseCommand(), From: from})
		if err != nil {
			return err
		}
		if err := client.Publish(ctx, channel, msg); err != nil {
			return err
		}
	}
	slog.Default().Info("pings published", "channel", channel, "count", count)
	return nil
}

func printConnections(cmd *cobra.Command, cfg *config.Config) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCHANNEL\tREQUEST TYPE\tPERFORMERS\tREQUEUE\tUNACCEPTABLE\tASYNC")
	for _, spec := range cfg.Connections {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%t\n",
			spec.Name, spec.Channel, spec.RequestType, spec.Performers,
			spec.RequeueCount, spec.UnacceptableLimit, spec.Async)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "transport: %s\n", cfg.Transport)
}
