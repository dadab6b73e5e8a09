package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gablilli/drivesync/internal/engine"
	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/registry"
)

// newConflictsCmd groups the conflict inspection and resolution commands.
func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	cmd.AddCommand(newConflictsListCmd())
	cmd.AddCommand(newConflictsResolveCmd())

	return cmd
}

func newConflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paths with pending conflicts",
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

			var rows [][]string
			for _, d := range drives {
				conflicts, err := st.ListConflicts(cmd.Context(), d.ID)
				if err != nil {
					return fmt.Errorf("listing conflicts for drive %s: %w", d.Name, err)
				}

				for _, c := range conflicts {
					rows = append(rows, []string{
						shortID(d.ID), d.Name, c.LocalPath, c.ConflictState,
						formatTime(c.UpdatedAt),
					})
				}
			}

			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending conflicts.")
				return nil
			}

			renderTable(cmd.OutOrStdout(),
				[]string{"DRIVE ID", "DRIVE", "PATH", "STATE", "DETECTED"}, rows)

			return nil
		},
	}
}

func newConflictsResolveCmd() *cobra.Command {
	var (
		keepLocal  bool
		keepRemote bool
	)

	cmd := &cobra.Command{
		Use:   "resolve DRIVE PATH",
		Short: "Resolve a pending conflict",
		Long: "Resolve a pending conflict for one path. --keep-local uploads the " +
			"local version over the remote one; --keep-remote downloads the remote " +
			"version. The transfer happens on the next sync pass.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keepLocal == keepRemote {
				return fmt.Errorf("pass exactly one of --keep-local or --keep-remote")
			}

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

			drive, err := resolveDrive(reg, args[0])
			if err != nil {
				return err
			}

			resolution := engine.KeepRemote
			if keepLocal {
				resolution = engine.KeepLocal
			}

			path := args[1]
			if err := engine.ResolvePendingConflict(cmd.Context(), st, drive, path, resolution); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s on drive %s (%s). The change applies on the next sync.\n",
				path, drive.Name, resolution)

			return nil
		},
	}

	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep the local version")
	cmd.Flags().BoolVar(&keepRemote, "keep-remote", false, "keep the remote version")

	return cmd
}
