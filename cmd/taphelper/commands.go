package taphelper

import "github.com/spf13/cobra"

// Name is the executable name that selects the helper command tree.
const Name = "burrow-tap-helper"

// Actions defines the privileged TAP operations.
type Actions interface {
	CheckCaps(cmd *cobra.Command, args []string) error
	Create(cmd *cobra.Command, args []string) error
	Delete(cmd *cobra.Command, args []string) error
	SetupBridge(cmd *cobra.Command, args []string) error
}

// Command builds the helper command tree under use. It is mounted both as
// the root of the burrow-tap-helper executable and as "burrow tap-helper".
func Command(use string, h Actions) *cobra.Command {
	root := &cobra.Command{
		Use:           use,
		Short:         "Privileged helper for TAP device creation (needs CAP_NET_ADMIN)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	checkCmd := &cobra.Command{
		Use:   "check-caps",
		Short: "Exit 0 if CAP_NET_ADMIN is held",
		Args:  cobra.NoArgs,
		RunE:  h.CheckCaps,
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a TAP device and attach it to a bridge",
		Args:  cobra.NoArgs,
		RunE:  h.Create,
	}
	createCmd.Flags().String("name", "", "TAP device name")
	createCmd.Flags().String("bridge", "", "bridge to attach to")
	createCmd.Flags().Int("owner-uid", -1, "owner uid (default: caller)")
	createCmd.Flags().Int("owner-gid", -1, "owner gid (default: caller)")
	createCmd.Flags().String("format", "json", "output format: json or text")
	_ = createCmd.MarkFlagRequired("name")
	_ = createCmd.MarkFlagRequired("bridge")

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a TAP device (absent is not an error)",
		Args:  cobra.NoArgs,
		RunE:  h.Delete,
	}
	deleteCmd.Flags().String("name", "", "TAP device name")
	_ = deleteCmd.MarkFlagRequired("name")

	bridgeCmd := &cobra.Command{
		Use:   "setup-bridge",
		Short: "Create the bridge if needed, assign its address and bring it up",
		Args:  cobra.NoArgs,
		RunE:  h.SetupBridge,
	}
	bridgeCmd.Flags().String("name", "", "bridge name")
	bridgeCmd.Flags().String("ip", "", "bridge address in CIDR form, e.g. 172.31.0.1/24")
	_ = bridgeCmd.MarkFlagRequired("name")
	_ = bridgeCmd.MarkFlagRequired("ip")

	root.AddCommand(checkCmd, createCmd, deleteCmd, bridgeCmd)
	return root
}
