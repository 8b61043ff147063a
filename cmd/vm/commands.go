package vm

import "github.com/spf13/cobra"

// Actions defines VM lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Pause(cmd *cobra.Command, args []string) error
	Resume(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	SSH(cmd *cobra.Command, args []string) error
	SetMetadata(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage virtual machines",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags]",
		Short: "Create a VM from a base image and boot it",
		Args:  cobra.NoArgs,
		RunE:  h.Create,
	}
	createCmd.Flags().String("name", "", "VM name (default: vm-<id prefix>)")
	createCmd.Flags().String("image", "", "base image (default: config defaults.base_image)")
	createCmd.Flags().Int("cpu", 0, "vCPUs (default: config defaults.vcpus)")
	createCmd.Flags().String("memory", "", "memory size, e.g. 1G")
	createCmd.Flags().String("storage", "", "rootfs size, e.g. 10G")
	createCmd.Flags().StringSlice("ssh-key", nil, "extra authorized public key (repeatable)")
	createCmd.Flags().String("user-data", "", "file whose contents are served as user data")
	createCmd.Flags().StringSlice("volume", nil, "HOST:GUEST[:ro] volume, recorded for the guest (repeatable)")
	createCmd.Flags().StringSlice("port", nil, "HOST:GUEST[/PROTO] port mapping, recorded for the guest (repeatable)")
	createCmd.Flags().Bool("no-start", false, "write the record only, do not boot")

	startCmd := &cobra.Command{
		Use:   "start VM [VM...]",
		Short: "Start created/stopped VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Start,
	}

	stopCmd := &cobra.Command{
		Use:   "stop VM [VM...]",
		Short: "Stop VM(s), escalating to signals after the grace period",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	pauseCmd := &cobra.Command{
		Use:   "pause VM [VM...]",
		Short: "Pause running VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Pause,
	}

	resumeCmd := &cobra.Command{
		Use:   "resume VM [VM...]",
		Short: "Resume paused VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Resume,
	}

	rmCmd := &cobra.Command{
		Use:     "rm VM [VM...]",
		Aliases: []string{"delete"},
		Short:   "Delete VM(s), stopping them first",
		Args:    cobra.MinimumNArgs(1),
		RunE:    h.RM,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List VMs with status",
		Args:    cobra.NoArgs,
		RunE:    h.List,
	}
	listCmd.Flags().Bool("json", false, "print JSON")

	inspectCmd := &cobra.Command{
		Use:   "inspect VM",
		Short: "Show the VM record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	sshCmd := &cobra.Command{
		Use:   "ssh VM",
		Short: "Print the SSH command for a VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.SSH,
	}
	sshCmd.Flags().Bool("json", false, "print JSON")

	metadataCmd := &cobra.Command{
		Use:   "set-metadata VM FILE",
		Short: "Replace the metadata document of a VM (FILE is JSON, - for stdin)",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE:  h.SetMetadata,
	}

	vmCmd.AddCommand(createCmd, startCmd, stopCmd, pauseCmd, resumeCmd, rmCmd,
		listCmd, inspectCmd, sshCmd, metadataCmd)
	return vmCmd
}
