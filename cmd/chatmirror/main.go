// chatmirror replicates messages between chat channels: it consumes
// source events from NATS, filters them per pair policy, and dispatches
// copies through a pool of sending identities.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chatmirror/internal/admin"
	"github.com/adred-codev/chatmirror/internal/config"
	"github.com/adred-codev/chatmirror/internal/dispatch"
	"github.com/adred-codev/chatmirror/internal/filter"
	"github.com/adred-codev/chatmirror/internal/health"
	"github.com/adred-codev/chatmirror/internal/imageguard"
	"github.com/adred-codev/chatmirror/internal/listener"
	"github.com/adred-codev/chatmirror/internal/monitoring"
	"github.com/adred-codev/chatmirror/internal/ops"
	"github.com/adred-codev/chatmirror/internal/pipeline"
	"github.com/adred-codev/chatmirror/internal/senders"
	"github.com/adred-codev/chatmirror/internal/store"
	"github.com/adred-codev/chatmirror/internal/telegram"
)

var version = "dev"

// shutdownGrace bounds the ops server teardown after the queue drains.
const shutdownGrace = 5 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "chatmirror",
		Short:         "Message replication service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatmirror %s (%s)\n", version, runtime.Version())
		},
	}
}

func newServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging (overrides LOG_LEVEL)")
	return cmd
}

func serve(debug bool) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	if debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Str("version", version).Msg("Starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.SeedGlobalWords(ctx, cfg.GlobalBlockedWords); err != nil {
		return fmt.Errorf("seed blocked words: %w", err)
	}

	pool := senders.NewPool(st, logger)
	pool.SetProbeInterval(cfg.SenderProbeInterval)
	if err := registerSenders(ctx, st, pool, logger); err != nil {
		return err
	}

	dispatcher := dispatch.New(pool, logger, dispatch.Options{
		Workers:      cfg.MaxWorkers,
		Capacity:     cfg.QueueCapacity,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBase:    cfg.RetryBase(),
		RetryCap:     cfg.RetryCap(),
		DrainTimeout: cfg.DrainTimeout(),
	})

	engine := filter.New(logger)
	guard := imageguard.New(st, logger)
	pipe := pipeline.New(st, engine, guard, dispatcher, logger, pipeline.Options{
		MaxDownloads: cfg.MaxConcurrentDownloads,
	})

	targets := []monitoring.Alerter{monitoring.NewLogAlerter(logger)}
	if cfg.SlackWebhookURL != "" {
		targets = append(targets, monitoring.NewSlackAlerter(cfg.SlackWebhookURL, "", "chatmirror"))
	}
	alerter := monitoring.NewMultiAlerter(targets...)

	monitor := health.New(st, pool, dispatcher, pipe, cfg.QueueCapacity, alerter, logger)
	monitor.SetIntervals(cfg.MetricsInterval, cfg.SweepInterval)

	svc := admin.New(st, engine, pipe, dispatcher, pool, monitor,
		func(credential string) (senders.Sender, error) { return telegram.New(credential) },
		cfg.AdminUsers, logger)
	svc.RestorePausedState(ctx)

	src, err := listener.NewNATS(cfg.NATSUrl, cfg.NATSPrefix, pipe, logger)
	if err != nil {
		return fmt.Errorf("connect event source: %w", err)
	}

	adminSub, err := admin.NewShell(svc, cfg.SimilarityThreshold, logger).ServeNATS(src.Conn(), cfg.NATSPrefix+".admin")
	if err != nil {
		return fmt.Errorf("admin rpc: %w", err)
	}

	opsSrv := ops.New(cfg.OpsAddr, monitor, logger)
	opsSrv.Start()

	dispatcher.Start(ctx)
	go pool.Run(ctx)
	go monitor.Run(ctx)
	go monitor.RunSweeper(ctx)

	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	logger.Info().Msg("Service running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("Shutting down")

	// Shutdown order: stop intake first, then finish queued sends, then
	// tear down the surfaces.
	adminSub.Unsubscribe()
	cancel()
	src.Close()
	dispatcher.Drain()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Ops server shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// registerSenders loads persisted sending identities into the pool.
// A credential that no longer builds a client is skipped with a warning
// so one revoked account cannot block startup.
func registerSenders(ctx context.Context, st *store.Store, pool *senders.Pool, logger zerolog.Logger) error {
	infos, err := st.ListSenders(ctx, false)
	if err != nil {
		return fmt.Errorf("load senders: %w", err)
	}
	for _, info := range infos {
		client, err := telegram.New(info.Credential)
		if err != nil {
			logger.Warn().Err(err).Int64("sender_id", info.ID).Str("handle", info.Handle).
				Msg("Sender credential rejected; skipping")
			continue
		}
		pool.Register(info.ID, info.Handle, client, info.Enabled)
	}
	logger.Info().Int("senders", len(infos)).Msg("Sender pool loaded")
	return nil
}
