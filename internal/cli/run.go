package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"atomic-pek/internal/api"
	"atomic-pek/internal/config"
	"atomic-pek/internal/events"
	"atomic-pek/internal/lease"
	"atomic-pek/internal/observability"
	"atomic-pek/internal/orchestrator"
	"atomic-pek/internal/swap"
)

// NewRunCommand creates the run command.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the swap API and drive swaps",
		Long: `Starts the HTTP API, resumes every unfinished swap and keeps
sweeping for swaps orphaned by other processes.

Configuration is read from the YAML file named by KV_VIPER_FILE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withConfig(opts, func(cfg config.Config) error {
				return runService(ctx, cfg)
			})
		},
	}
}

func runService(ctx context.Context, cfg config.Config) error {
	log := cfg.Log()
	metrics := observability.DefaultMetrics
	st := cfg.Storage()
	oc := cfg.Orchestrator()
	listener := cfg.Listener()

	hub := events.NewHub()
	sinks := events.Fanout{hub}

	// Sinks outlive the orchestrator so the last transitions still get out.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	var sinkWG sync.WaitGroup

	if tl := cfg.TransitionLog(); tl != nil {
		ch := cfg.ClickHouse()
		var batchOpts []events.BatchOption
		if ch.BatchSize > 0 {
			batchOpts = append(batchOpts, events.WithBatchSize(ch.BatchSize))
		}
		if ch.FlushInterval > 0 {
			batchOpts = append(batchOpts, events.WithFlushInterval(ch.FlushInterval))
		}
		batch := events.NewBatchSink(tl, log.WithField("sink", "clickhouse"), batchOpts...)
		sinks = append(sinks, batch)
		sinkWG.Add(1)
		go func() {
			defer sinkWG.Done()
			batch.Run(sinkCtx)
		}()
	}
	if kp := cfg.Kafka(); kp != nil {
		sinks = append(sinks, kp)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:   st.Swaps,
		Guard:   lease.NewGuard(st.Leases, oc.LeaseTTL, log),
		Chain:   cfg.Chain(),
		Market:  cfg.Market(),
		Sink:    sinks,
		Metrics: metrics,
		Config:  oc.Config,
		Log:     log,
	})
	if err != nil {
		return err
	}

	svc := swap.NewService(swap.Options{
		Store:    st.Swaps,
		Launcher: orch,
		Config:   cfg.Swap(),
		Log:      log,
		Metrics:  metrics,
	})
	server := api.NewServer(api.Options{
		Service:       svc,
		Hub:           hub,
		Metrics:       observability.Handler(),
		StreamRefresh: listener.StreamRefresh,
		AdminToken:    listener.AdminToken,
		Log:           log,
	})

	log.WithField("storage", st.Backend).Info("service started")

	recoveryCtx, stopRecovery := context.WithCancel(ctx)
	recoveryDone := make(chan struct{})
	go func() {
		defer close(recoveryDone)
		orch.RunRecovery(recoveryCtx)
	}()

	err = server.Run(ctx, listener.Addr)

	stopRecovery()
	<-recoveryDone
	orch.Stop()
	stopSinks()
	sinkWG.Wait()

	log.Info("service stopped")
	return err
}
