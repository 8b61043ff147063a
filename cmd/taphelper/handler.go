package taphelper

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/projecteru2/burrow/taphelper"
)

// ErrReported marks a failure whose message already went to stdout.
var ErrReported = errors.New("reported")

type Handler struct{}

func (Handler) CheckCaps(cmd *cobra.Command, _ []string) error {
	if taphelper.HasNetAdmin() {
		fmt.Fprintln(cmd.OutOrStdout(), "CAP_NET_ADMIN: yes")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "CAP_NET_ADMIN: no")
	exe, _ := os.Executable()
	return fmt.Errorf("install with: sudo setcap cap_net_admin+ep %s", exe)
}

func (Handler) Create(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	bridge, _ := cmd.Flags().GetString("bridge")
	uid, _ := cmd.Flags().GetInt("owner-uid")
	gid, _ := cmd.Flags().GetInt("owner-gid")
	format, _ := cmd.Flags().GetString("format")
	if uid < 0 {
		uid = os.Getuid()
	}
	if gid < 0 {
		gid = os.Getgid()
	}

	err := taphelper.CreateTap(name, bridge, uid, gid)
	if format != "json" {
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created TAP device: %s\n", name)
		return nil
	}

	res := taphelper.Result{Success: err == nil, TapName: name}
	if err != nil {
		res = taphelper.Result{Error: err.Error()}
	}
	if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(res); encErr != nil {
		return encErr
	}
	if err != nil {
		return ErrReported
	}
	return nil
}

func (Handler) Delete(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	if err := taphelper.DeleteTap(name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted TAP device: %s\n", name)
	return nil
}

func (Handler) SetupBridge(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	ip, _ := cmd.Flags().GetString("ip")
	if err := taphelper.SetupBridge(name, ip); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bridge %q configured with IP %s\n", name, ip)
	return nil
}

// Execute runs the helper tree with os.Args and returns the process exit code.
func Execute() int {
	if err := Command(Name, Handler{}).Execute(); err != nil {
		if !errors.Is(err, ErrReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}
