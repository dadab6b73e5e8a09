package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/gablilli/drivesync/internal/engine"
	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/registry"
	"github.com/gablilli/drivesync/internal/remote"
	"github.com/gablilli/drivesync/internal/store"
)

// idlePollInterval is how often a one-shot sync checks for queue drain
// after the reconciliation passes have completed.
const idlePollInterval = 200 * time.Millisecond

// newSyncCmd groups the sync subcommands.
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run synchronization",
	}

	cmd.AddCommand(newSyncRunCmd())
	cmd.AddCommand(newSyncWatchCmd())

	return cmd
}

// keyringTokenSource adapts the OS keyring to the remote client's
// credential interface for one drive.
type keyringTokenSource struct {
	driveID string
	creds   registry.CredentialStore
}

func (s keyringTokenSource) Token() (string, error) {
	token, err := s.creds.Get(s.driveID)
	if err != nil {
		if errors.Is(err, registry.ErrNoCredential) {
			return "", fmt.Errorf("drive %s: %w", s.driveID, remote.ErrLoginRequired)
		}

		return "", fmt.Errorf("reading credential for drive %s: %w", s.driveID, err)
	}

	return token, nil
}

// syncEnv bundles everything a sync invocation needs.
type syncEnv struct {
	logger *slog.Logger
	bus    *events.Bus
	reg    *registry.Registry
	st     *store.Store
	orch   *engine.Orchestrator
}

func (e *syncEnv) close() {
	if err := e.st.Close(); err != nil {
		e.logger.Warn("closing state database", "error", err)
	}

	e.bus.Close()
}

// buildSyncEnv assembles the full engine stack from configuration. The
// returned targets honor the global --drive selector, and when a drive is
// selected the orchestrator is scoped to it so no other drive's runner
// starts.
func buildSyncEnv() (*syncEnv, []registry.Drive, error) {
	logger := buildLogger()
	bus := events.NewBus(events.DefaultQueueSize, logger)

	reg, err := openRegistry(bus, logger)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}

	targets, err := targetDrives(reg)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}

	st, err := openStore(logger)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}

	httpClient := defaultHTTPClient()
	factory := func(d registry.Drive) (engine.RemoteClient, error) {
		source := keyringTokenSource{driveID: d.ID, creds: registry.KeyringStore{}}
		return remote.NewClient(cfg.Server.BaseURL, httpClient, source, logger), nil
	}

	orchCfg := engine.OrchestratorConfig{
		GlobalParallel: cfg.Transfers.GlobalParallel,
		Runner: engine.RunnerConfig{
			Debounce:     cfg.DebounceDuration(),
			PollInterval: cfg.PollIntervalDuration(),
			PerDriveMax:  int64(cfg.Transfers.PerDriveParallel),
			Executor: engine.ExecutorConfig{
				ChunkSize:      cfg.ChunkSizeBytes(),
				RetryBudget:    cfg.Transfers.RetryBudget,
				RetryBaseDelay: cfg.RetryBaseDelayDuration(),
				RetryMaxDelay:  cfg.RetryMaxDelayDuration(),
				HistoryLimit:   cfg.Sync.HistorySize,
			},
		},
	}

	if flagDrive != "" {
		for _, d := range targets {
			orchCfg.DriveIDs = append(orchCfg.DriveIDs, d.ID)
		}
	}

	orch := engine.NewOrchestrator(reg, st, bus, factory, orchCfg, logger)

	env := &syncEnv{logger: logger, bus: bus, reg: reg, st: st, orch: orch}

	return env, targets, nil
}

// targetDrives returns the enabled drives a sync invocation covers,
// honoring the global --drive selector.
func targetDrives(reg *registry.Registry) ([]registry.Drive, error) {
	if flagDrive != "" {
		drive, err := resolveDrive(reg, flagDrive)
		if err != nil {
			return nil, err
		}

		if !drive.Enabled {
			return nil, fmt.Errorf("drive %s is disabled", drive.Name)
		}

		return []registry.Drive{drive}, nil
	}

	var targets []registry.Drive
	for _, d := range reg.List() {
		if d.Enabled {
			targets = append(targets, d)
		}
	}

	return targets, nil
}

func newSyncRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, targets, err := buildSyncEnv()
			if err != nil {
				return err
			}
			defer env.close()

			if len(targets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No enabled drives.")
				return nil
			}

			// Subscribe before the engine starts so the initial pass
			// events cannot be missed.
			sub, cancelSub := env.bus.Subscribe()
			defer cancelSub()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- env.orch.Run(ctx) }()

			pending := make(map[string]bool, len(targets))
			for _, d := range targets {
				pending[d.ID] = true
			}

			var failures int

			for len(pending) > 0 {
				select {
				case ev, ok := <-sub:
					if !ok {
						return errors.New("event bus closed during sync")
					}

					if !pending[ev.DriveID] {
						continue
					}

					switch ev.Kind {
					case events.KindSyncCompleted:
						delete(pending, ev.DriveID)
					case events.KindSyncError:
						delete(pending, ev.DriveID)
						failures++
						fmt.Fprintf(cmd.ErrOrStderr(), "Sync failed for drive %s: %v\n",
							shortID(ev.DriveID), ev.Err)
					}
				case err := <-done:
					return fmt.Errorf("engine stopped early: %w", err)
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			// Passes are done; wait for queued transfers to drain.
			if err := waitIdle(ctx, env.orch, sub, env.logger); err != nil {
				return err
			}

			cancel()

			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			if failures > 0 {
				return fmt.Errorf("%d drive(s) failed to sync", failures)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Sync complete.")

			return nil
		},
	}
}

// waitIdle blocks until the orchestrator's scheduler has no queued or
// running tasks. The event channel must keep draining meanwhile so slow
// consumers do not force the bus to drop.
func waitIdle(ctx context.Context, orch *engine.Orchestrator, sub <-chan events.Event, logger *slog.Logger) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if orch.Idle() {
				return nil
			}

			logger.Debug("waiting for transfers", "active", len(orch.ActiveTasks()))
		case <-sub:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func newSyncWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, targets, err := buildSyncEnv()
			if err != nil {
				return err
			}
			defer env.close()

			ctx := shutdownContext(cmd.Context(), env.logger)

			env.logger.Info("sync engine starting",
				"drives", len(targets),
				"global_parallel", cfg.Transfers.GlobalParallel,
			)

			if err := env.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}
}
