package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gablilli/drivesync/internal/events"
	"github.com/gablilli/drivesync/internal/registry"
)

// newDriveCmd groups the drive management subcommands.
func newDriveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Manage configured drives",
	}

	cmd.AddCommand(newDriveAddCmd())
	cmd.AddCommand(newDriveRemoveCmd())
	cmd.AddCommand(newDriveListCmd())
	cmd.AddCommand(newDriveUpdateCmd())
	cmd.AddCommand(newDriveEnableCmd())
	cmd.AddCommand(newDriveDisableCmd())

	return cmd
}

func newDriveAddCmd() *cobra.Command {
	var (
		direction string
		token     string
	)

	cmd := &cobra.Command{
		Use:   "add NAME LOCAL_PATH REMOTE_URI",
		Short: "Register a new drive",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger()
			bus := events.NewBus(events.DefaultQueueSize, logger)
			defer bus.Close()

			reg, err := openRegistry(bus, logger)
			if err != nil {
				return err
			}

			drive, err := reg.Add(args[0], args[1], args[2], direction)
			if err != nil {
				return fmt.Errorf("adding drive: %w", err)
			}

			if token != "" {
				if err := (registry.KeyringStore{}).Set(drive.ID, token); err != nil {
					return fmt.Errorf("storing credential: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added drive %s (%s)\n", drive.Name, drive.ID)

			return nil
		},
	}

	cmd.Flags().StringVar(&direction, "direction", registry.DirectionTwoWay,
		"sync direction (two_way or one_way_upload)")
	cmd.Flags().StringVar(&token, "token", "", "access token to store in the OS keyring")

	return cmd
}

func newDriveRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove ID",
		Short: "Remove a drive and its stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := buildLogger()
			bus := events.NewBus(events.DefaultQueueSize, logger)
			defer bus.Close()

			reg, err := openRegistry(bus, logger)
			if err != nil {
				return err
			}

			drive, err := resolveDrive(reg, args[0])
			if err != nil {
				return err
			}

			if err := reg.Remove(drive.ID); err != nil {
				return fmt.Errorf("removing drive: %w", err)
			}

			// Credential cleanup is best-effort; the keyring entry may
			// never have been written.
			if err := (registry.KeyringStore{}).Delete(drive.ID); err != nil {
				logger.Warn("deleting credential", "drive_id", drive.ID, "error", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed drive %s\n", drive.Name)

			return nil
		},
	}
}

func newDriveListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured drives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()
			bus := events.NewBus(events.DefaultQueueSize, logger)
			defer bus.Close()

			reg, err := openRegistry(bus, logger)
			if err != nil {
				return err
			}

			drives := reg.List()
			if len(drives) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No drives configured.")
				return nil
			}

			rows := make([][]string, 0, len(drives))
			for _, d := range drives {
				rows = append(rows, []string{
					shortID(d.ID), d.Name, d.LocalPath, d.Direction,
					strconv.FormatBool(d.Enabled), d.Status,
				})
			}

			renderTable(cmd.OutOrStdout(),
				[]string{"ID", "NAME", "LOCAL PATH", "DIRECTION", "ENABLED", "STATUS"}, rows)

			return nil
		},
	}
}

func newDriveUpdateCmd() *cobra.Command {
	var (
		name      string
		direction string
	)

	cmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change a drive's name or sync direction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" && direction == "" {
				return fmt.Errorf("nothing to update: pass --name or --direction")
			}

			logger := buildLogger()
			bus := events.NewBus(events.DefaultQueueSize, logger)
			defer bus.Close()

			reg, err := openRegistry(bus, logger)
			if err != nil {
				return err
			}

			drive, err := resolveDrive(reg, args[0])
			if err != nil {
				return err
			}

			updated, err := reg.Update(drive.ID, func(d *registry.Drive) {
				if name != "" {
					d.Name = name
				}
				if direction != "" {
					d.Direction = direction
				}
			})
			if err != nil {
				return fmt.Errorf("updating drive: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Updated drive %s\n", updated.Name)

			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new display name")
	cmd.Flags().StringVar(&direction, "direction", "", "new sync direction")

	return cmd
}

func newDriveEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable ID",
		Short: "Enable syncing for a drive",
		Args:  cobra.ExactArgs(1),
		RunE:  setEnabledRunE(true),
	}
}

func newDriveDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable ID",
		Short: "Disable syncing for a drive",
		Args:  cobra.ExactArgs(1),
		RunE:  setEnabledRunE(false),
	}
}

func setEnabledRunE(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := buildLogger()
		bus := events.NewBus(events.DefaultQueueSize, logger)
		defer bus.Close()

		reg, err := openRegistry(bus, logger)
		if err != nil {
			return err
		}

		drive, err := resolveDrive(reg, args[0])
		if err != nil {
			return err
		}

		if err := reg.SetEnabled(drive.ID, enabled); err != nil {
			return err
		}

		verb := "Disabled"
		if enabled {
			verb = "Enabled"
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s drive %s\n", verb, drive.Name)

		return nil
	}
}

// resolveDrive finds a drive by full ID, unique ID prefix, or exact name.
func resolveDrive(reg *registry.Registry, selector string) (registry.Drive, error) {
	if d, err := reg.Get(selector); err == nil {
		return d, nil
	}

	var matches []registry.Drive
	for _, d := range reg.List() {
		if strings.HasPrefix(d.ID, selector) || d.Name == selector {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return registry.Drive{}, fmt.Errorf("no drive matches %q", selector)
	default:
		return registry.Drive{}, fmt.Errorf("%q is ambiguous: matches %d drives", selector, len(matches))
	}
}
