package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gablilli/drivesync/internal/engine"
	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/registry"
	"github.com/gablilli/drivesync/internal/remote"
	"github.com/gablilli/drivesync/internal/store"
)

// statusTaskLimit caps the task history shown by the status command.
const statusTaskLimit = 20

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show drive status and recent task history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()
			bus := events.NewBus(events.DefaultQueueSize, logger)
			defer bus.Close()

			reg, err := openRegistry(bus, logger)
			if err != nil {
				return err
			}

			st, err := openStore(logger)
			if err != nil {
				return err
			}
			defer st.Close()

			drives := reg.List()
			if flagDrive != "" {
				drive, err := resolveDrive(reg, flagDrive)
				if err != nil {
					return err
				}

				drives = []registry.Drive{drive}
			}

			if len(drives) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No drives configured.")
				return nil
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			httpClient := defaultHTTPClient()

			rows := make([][]string, 0, len(drives))
			for _, d := range drives {
				capacity := fetchCapacity(ctx, st, d, httpClient, logger)
				rows = append(rows, []string{
					shortID(d.ID), d.Name, d.Status,
					strconv.FormatBool(d.Enabled), capacity,
				})
			}

			renderTable(out, []string{"ID", "NAME", "STATUS", "ENABLED", "CAPACITY"}, rows)

			taskDrive := ""
			if flagDrive != "" {
				taskDrive = drives[0].ID
			}

			tasks, err := st.ListRecentTasks(ctx, taskDrive, statusTaskLimit)
			if err != nil {
				return fmt.Errorf("reading task history: %w", err)
			}

			fmt.Fprintln(out)

			if len(tasks) == 0 {
				fmt.Fprintln(out, "No recent tasks.")
			} else {
				taskRows := make([][]string, 0, len(tasks))
				for _, t := range tasks {
					detail := t.Error
					if t.NeedsReauth {
						detail = "reauthorization required"
					}

					taskRows = append(taskRows, []string{
						formatTime(t.UpdatedAt), shortID(t.DriveID), t.TaskType,
						t.LocalPath, t.Status, formatSize(t.ProcessedBytes), detail,
					})
				}

				renderTable(out, []string{"TIME", "DRIVE", "TYPE", "PATH", "STATUS", "BYTES", "DETAIL"}, taskRows)
			}

			printConflictSummary(ctx, out, st, drives)

			return nil
		},
	}
}

// fetchCapacity reads the drive's capacity through the props cache, which
// serves the last persisted value when the server is unreachable.
func fetchCapacity(
	ctx context.Context, st *store.Store, d registry.Drive,
	httpClient *http.Client, logger *slog.Logger,
) string {
	source := keyringTokenSource{driveID: d.ID, creds: registry.KeyringStore{}}
	client := remote.NewClient(cfg.Server.BaseURL, httpClient, source, logger)

	props := engine.NewPropsCache(st, client, logger)
	defer props.Close()

	capacity, err := props.Capacity(ctx, d.ID)
	if err != nil {
		return "-"
	}

	return fmt.Sprintf("%s / %s", formatSize(capacity.Used), formatSize(capacity.Total))
}

// printConflictSummary appends pending conflict counts to status output.
func printConflictSummary(ctx context.Context, out io.Writer, st *store.Store, drives []registry.Drive) {
	var total int
	for _, d := range drives {
		conflicts, err := st.ListConflicts(ctx, d.ID)
		if err != nil {
			continue
		}

		total += len(conflicts)
	}

	if total > 0 {
		fmt.Fprintf(out, "\n%d pending conflict(s). Run \"drivesync conflicts list\" for details.\n", total)
	}
}
