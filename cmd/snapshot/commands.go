package snapshot

import "github.com/spf13/cobra"

// Actions defines snapshot operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Restore(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
}

// Command builds the "snapshot" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	snapCmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"snap"},
		Short:   "Capture and restore VM snapshots",
	}

	createCmd := &cobra.Command{
		Use:   "create VM",
		Short: "Snapshot a running or paused VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	createCmd.Flags().String("name", "", "snapshot name")

	listCmd := &cobra.Command{
		Use:     "list [VM]",
		Aliases: []string{"ls"},
		Short:   "List snapshots of one VM or of all VMs",
		Args:    cobra.MaximumNArgs(1),
		RunE:    h.List,
	}
	listCmd.Flags().Bool("json", false, "print JSON")

	restoreCmd := &cobra.Command{
		Use:   "restore (VM SNAPSHOT | SNAPSHOT_DIR)",
		Short: "Boot a new VM with a fresh identity from a snapshot",
		Args:  cobra.RangeArgs(1, 2), //nolint:mnd
		RunE:  h.Restore,
	}
	restoreCmd.Flags().String("name", "", "name of the restored VM")
	restoreCmd.Flags().String("id", "", "id of the restored VM (default: generated)")

	rmCmd := &cobra.Command{
		Use:     "rm VM SNAPSHOT [SNAPSHOT...]",
		Aliases: []string{"delete"},
		Short:   "Delete snapshot(s) of a VM",
		Args:    cobra.MinimumNArgs(2), //nolint:mnd
		RunE:    h.RM,
	}

	snapCmd.AddCommand(createCmd, listCmd, restoreCmd, rmCmd)
	return snapCmd
}
