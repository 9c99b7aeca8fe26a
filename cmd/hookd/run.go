package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hookAuction/internal/auction"
	"hookAuction/internal/chain"
	"hookAuction/internal/config"
	"hookAuction/internal/executor"
	"hookAuction/internal/filter"
	"hookAuction/internal/hook"
	"hookAuction/internal/indexer"
	"hookAuction/internal/metrics"
	"hookAuction/internal/storage"
	"hookAuction/internal/stream"
	"hookAuction/internal/template"
	"hookAuction/internal/variables"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event-to-execution daemon",
		RunE:  runDaemon,
	}

	cmd.Flags().String("feed-url", "", "block stream websocket URL")
	cmd.Flags().StringSlice("feed-header", nil, "feed handshake headers (\"Name: value\")")
	cmd.Flags().String("broadcast-url", "", "RPC URL supporting eth_sendRawTransactionSync")
	cmd.Flags().String("multicall", "", "Multicall3 contract address")
	cmd.Flags().String("executor-key", "", "hex private key of the automation wallet")
	cmd.Flags().String("vault", "", "vault receiving auction proceeds")
	cmd.Flags().String("hooks-file", "", "JSON file of hooks to add at startup")
	cmd.Flags().Uint64("chain-id", 0, "chain ID, 0 asks the RPC")
	cmd.Flags().Int("queue-size", 1024, "detected event queue size")
	cmd.Flags().Int("workers", 8, "concurrent executions")
	cmd.Flags().Duration("dial-timeout", 0, "feed dial timeout")
	cmd.Flags().Duration("read-timeout", 0, "feed read timeout")
	cmd.Flags().Int("max-reconnects", 10, "feed reconnect attempts before giving up")
	cmd.Flags().Duration("reconnect-backoff", 0, "initial feed reconnect backoff")
	cmd.Flags().Duration("max-backoff", 0, "maximum feed reconnect backoff")
	cmd.Flags().Int("dedup-window", 4096, "recently seen logs kept for dedup")
	cmd.Flags().String("events-out", "./data/events.jsonl", "detected events JSONL journal, empty disables")
	cmd.Flags().Duration("track-interval", 0, "pending execution poll interval")
	cmd.Flags().String("metrics-addr", ":9102", "metrics listen address, empty disables")
	addSyncFlags(cmd)

	return cmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadRun(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.RPCTimeout)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	broadcaster, err := chain.NewSyncBroadcaster(ctx, cfg.BroadcastURL, cfg.RPCTimeout)
	if err != nil {
		return fmt.Errorf("connect broadcast rpc: %w", err)
	}
	defer broadcaster.Close()

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = chainClient.ChainID(ctx); err != nil {
			return fmt.Errorf("chain id: %w", err)
		}
	}

	key, err := cfg.Key()
	if err != nil {
		return err
	}

	m := metrics.New()

	listener, err := stream.NewListener(stream.Config{
		URL:           cfg.FeedURL,
		Header:        cfg.Header(),
		DialTimeout:   cfg.DialTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		MaxReconnects: cfg.MaxReconnects,
		Backoff:       cfg.ReconnectBackoff,
		MaxBackoff:    cfg.MaxBackoff,
		QueueSize:     cfg.QueueSize,
	}, filter.NewMatcher(), m, logger)
	if err != nil {
		return err
	}

	auctions := auction.NewSync(store, m, logger)
	runner := indexer.NewRunner(indexer.RunConfig{
		Ledger:       cfg.LedgerAddress(),
		FromBlock:    cfg.Sync.FromBlock,
		BatchSize:    cfg.Sync.BatchSize,
		MaxRetries:   cfg.Sync.MaxRetries,
		RetryBackoff: cfg.Sync.RetryBackoff,
	}, chainClient, auctions, checkpointFor(store, cfg.PGDSN, cfg.Sync.Checkpoint, cfg.Sync.CheckpointEnabled), logger)

	watcher, err := auction.NewWatcher(auction.WatchConfig{
		Ledger:       cfg.LedgerAddress(),
		RetryBackoff: cfg.Sync.RetryBackoff,
		MaxBackoff:   cfg.MaxBackoff,
	}, auctions, chainClient, runner.Run, logger)
	if err != nil {
		return err
	}

	exec, err := executor.New(executor.Config{
		ChainID:   chainID,
		Multicall: cfg.MulticallAddress(),
	}, chainClient, broadcaster, store, key, m, logger)
	if err != nil {
		return err
	}
	tracker := executor.NewTracker(executor.TrackerConfig{Interval: cfg.TrackInterval}, store, chainClient, m, logger)

	var journal *storage.EventJournal
	if cfg.EventsOut != "" {
		journal = storage.NewEventJournal(cfg.EventsOut)
	}

	orch, err := hook.New(hook.Config{
		Workers:     int64(cfg.Workers),
		DedupWindow: cfg.DedupWindow,
	}, hook.Deps{
		Hooks:     store,
		Events:    store,
		Journal:   journal,
		Auctions:  auctions,
		Processor: template.NewProcessor(variables.NewResolver(logger), logger),
		Executor:  exec,
		Registrar: listener,
		Metrics:   m,
	}, logger)
	if err != nil {
		return err
	}

	// The read model must be current before the first event is routed.
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	if _, err := tracker.Reconcile(ctx); err != nil {
		logger.Warn("reconcile pending executions", zap.Error(err))
	}

	loaded, err := orch.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("load hooks: %w", err)
	}
	added, err := addHooksFromFile(ctx, cfg.HooksFile, store, orch, logger)
	if err != nil {
		return err
	}

	logger.Info("hookd start",
		zap.String("feed", cfg.FeedURL),
		zap.String("rpc", cfg.RPCURL),
		zap.String("executor", exec.Address().Hex()),
		zap.String("ledger", cfg.Ledger),
		zap.String("multicall", cfg.Multicall),
		zap.Uint64("chain_id", chainID.Uint64()),
		zap.Int("hooks_loaded", loaded),
		zap.Int("hooks_added", added),
		zap.Int("workers", cfg.Workers),
		zap.Bool("postgres", cfg.PGDSN != ""),
	)

	stages := []func(context.Context) error{
		func(ctx context.Context) error { return orch.Run(ctx, listener.Events()) },
		watcher.Run,
		tracker.Run,
	}
	if cfg.MetricsAddr != "" {
		stages = append(stages, func(ctx context.Context) error { return m.Serve(ctx, cfg.MetricsAddr, logger) })
	}
	err = runStages(ctx, listener.Run, stages...)

	// Let in-flight executions record their outcome before the store closes.
	drained := make(chan struct{})
	go func() {
		orch.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn("executions still in flight at shutdown")
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, errFeedClosed) {
		logger.Info("hookd stopped", zap.NamedError("reason", err))
		return nil
	}
	return err
}

// errFeedClosed ends the daemon after the feed server closed the stream
// normally. Without it the other stages would keep running with no events.
var errFeedClosed = errors.New("feed closed")

// runStages runs feed next to the background stages until one fails. The
// feed returning for any reason stops every stage.
func runStages(ctx context.Context, feed func(context.Context) error, stages ...func(context.Context) error) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := feed(gctx); err != nil {
			return err
		}
		return errFeedClosed
	})
	for _, stage := range stages {
		stage := stage
		group.Go(func() error { return stage(gctx) })
	}
	return group.Wait()
}

// addHooksFromFile adds the hooks of a bootstrap file. Hooks whose ID is
// already stored were loaded by Bootstrap and are left alone.
func addHooksFromFile(ctx context.Context, path string, hooks storage.HookStore, orch *hook.Orchestrator, logger *zap.Logger) (int, error) {
	if path == "" {
		return 0, nil
	}
	entries, err := config.LoadHooks(path)
	if err != nil {
		return 0, err
	}
	added := 0
	for i, entry := range entries {
		if entry.ID != "" {
			_, err := hooks.GetHook(ctx, entry.ID)
			if err == nil {
				logger.Debug("hook already stored", zap.String("hook_id", entry.ID))
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return added, fmt.Errorf("hooks[%d]: %w", i, err)
			}
		}
		if _, err := orch.AddHook(ctx, entry.Hook(), entry.Template); err != nil {
			return added, fmt.Errorf("hooks[%d]: %w", i, err)
		}
		added++
	}
	return added, nil
}
