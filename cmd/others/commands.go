package others

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Actions defines cross-cutting system operations.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
	Stats(cmd *cobra.Command, args []string) error
	NetworkStatus(cmd *cobra.Command, args []string) error
	NetworkDHCP(cmd *cobra.Command, args []string) error
	GC(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds system command set (serve, stats, network, gc, version, completion).
func Commands(h Actions) []*cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count VMs per status and show network health",
		Args:  cobra.NoArgs,
		RunE:  h.Stats,
	}
	statsCmd.Flags().Bool("json", false, "print JSON")

	networkCmd := &cobra.Command{
		Use:   "network",
		Short: "Inspect the active TAP strategy",
	}
	networkCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the detected network mode and its health",
			Args:  cobra.NoArgs,
			RunE:  h.NetworkStatus,
		},
		&cobra.Command{
			Use:   "dhcp",
			Short: "Serve static DHCP leases on the bridge until interrupted",
			Args:  cobra.NoArgs,
			RunE:  h.NetworkDHCP,
		},
	)

	return []*cobra.Command{
		{
			Use:   "serve",
			Short: "Hold the orchestrator, serve DHCP when enabled, stop all VMs on SIGINT/SIGTERM",
			Args:  cobra.NoArgs,
			RunE:  h.Serve,
		},
		statsCmd,
		networkCmd,
		{
			Use:   "gc",
			Short: "Remove orphaned VM dirs, snapshot leftovers and stale leases",
			Args:  cobra.NoArgs,
			RunE:  h.GC,
		},
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			Args:  cobra.NoArgs,
			RunE:  h.Version,
		},
		{
			Use:       "completion [bash|zsh|fish|powershell]",
			Short:     "Generate shell completion script",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
			RunE: func(cmd *cobra.Command, args []string) error {
				root := cmd.Root()
				switch args[0] {
				case "bash":
					return root.GenBashCompletion(os.Stdout)
				case "zsh":
					return root.GenZshCompletion(os.Stdout)
				case "fish":
					return root.GenFishCompletion(os.Stdout, true)
				case "powershell":
					return root.GenPowerShellCompletionWithDesc(os.Stdout)
				default:
					return fmt.Errorf("unsupported shell: %s", args[0])
				}
			},
		},
	}
}
