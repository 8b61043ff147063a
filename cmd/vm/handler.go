package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/burrow/cmd/core"
	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/vm"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Create(cmd *cobra.Command, _ []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	cfg, err := createConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	created, err := m.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	logger := log.WithFunc("cmd.create")
	logger.Infof(ctx, "created VM %s (%s), ssh port %d", created.Name, created.ID, created.SSHPort)
	if cfg.NoStart {
		fmt.Println(created.ID)
		return nil
	}
	if err := h.await(ctx, m, created.ID); err != nil {
		return err
	}
	fmt.Println(created.ID)
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	return batchVMCmd(ctx, "start", "started", args, func(ctx context.Context, ref string) error {
		if err := m.Start(ctx, ref); err != nil {
			return err
		}
		return h.await(ctx, m, ref)
	})
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck
	return batchVMCmd(ctx, "stop", "stopped", args, m.Stop)
}

func (h Handler) Pause(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck
	return batchVMCmd(ctx, "pause", "paused", args, m.Pause)
}

func (h Handler) Resume(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck
	return batchVMCmd(ctx, "resume", "resumed", args, m.Resume)
}

// RM stops and deletes each VM; a failure on one does not stop the others.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck
	return batchVMCmd(ctx, "rm", "deleted", args, m.Delete)
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	vms := m.List(ctx)
	if cmdcore.WantJSON(cmd) {
		return cmdcore.PrintJSON(vms)
	}
	if len(vms) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCPU\tMEMORY\tIMAGE\tIP\tSSH\tCREATED")
	for _, v := range vms {
		ip := v.Network.GuestIP
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			shortID(v.ID), v.Name, v.Status,
			v.Resources.VCPUs, cmdcore.FormatSize(v.Resources.MemoryMB<<20), //nolint:mnd
			v.BaseImage, ip, v.SSHPort,
			v.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	info, err := m.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return cmdcore.PrintJSON(info)
}

func (h Handler) SSH(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	info, err := m.SSHInfo(ctx, args[0])
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return cmdcore.PrintJSON(info)
	}
	if !info.Ready {
		log.WithFunc("cmd.ssh").Warnf(ctx, "VM %s is not running yet", args[0])
	}
	fmt.Println(info.Command)
	return nil
}

func (h Handler) SetMetadata(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	md, err := readMetadata(args[1])
	if err != nil {
		return err
	}
	updated, err := m.SetMetadata(ctx, args[0], md)
	if err != nil {
		return fmt.Errorf("set-metadata: %w", err)
	}
	log.WithFunc("cmd.set-metadata").Infof(ctx, "metadata of %s updated", updated.ID)
	return nil
}

// await blocks on the boot task. The Manager is closed when the command
// returns, which would cancel a task still in flight.
func (h Handler) await(ctx context.Context, m *vm.Manager, ref string) error {
	if err := m.Wait(ctx, ref); err != nil {
		return fmt.Errorf("%s did not come up: %w", ref, err)
	}
	info, err := m.Get(ctx, ref)
	if err != nil {
		return err
	}
	if info.Status == types.VMStateError {
		return fmt.Errorf("%s did not come up: %s", ref, info.Error)
	}
	return nil
}

func createConfigFromFlags(cmd *cobra.Command) (vm.CreateConfig, error) {
	name, _ := cmd.Flags().GetString("name")
	image, _ := cmd.Flags().GetString("image")
	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	storStr, _ := cmd.Flags().GetString("storage")
	keys, _ := cmd.Flags().GetStringSlice("ssh-key")
	userDataFile, _ := cmd.Flags().GetString("user-data")
	noStart, _ := cmd.Flags().GetBool("no-start")
	volumes, _ := cmd.Flags().GetStringSlice("volume")
	ports, _ := cmd.Flags().GetStringSlice("port")

	cfg := vm.CreateConfig{
		Name:      name,
		BaseImage: image,
		VCPUs:     cpu,
		SSHKeys:   keys,
		NoStart:   noStart,
	}
	for _, v := range volumes {
		vol, err := parseVolume(v)
		if err != nil {
			return cfg, err
		}
		cfg.Volumes = append(cfg.Volumes, vol)
	}
	for _, p := range ports {
		pm, err := parsePort(p)
		if err != nil {
			return cfg, err
		}
		cfg.PortMappings = append(cfg.PortMappings, pm)
	}
	if memStr != "" {
		n, err := cmdcore.ParseSize("memory", memStr)
		if err != nil {
			return cfg, err
		}
		cfg.MemoryMB = n >> 20 //nolint:mnd
	}
	if storStr != "" {
		n, err := cmdcore.ParseSize("storage", storStr)
		if err != nil {
			return cfg, err
		}
		cfg.DiskGB = n >> 30 //nolint:mnd
	}
	if userDataFile != "" {
		data, err := os.ReadFile(userDataFile) //nolint:gosec
		if err != nil {
			return cfg, fmt.Errorf("read user data: %w", err)
		}
		cfg.UserData = string(data)
	}
	return cfg, nil
}

func parseVolume(s string) (types.Volume, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "": //nolint:mnd
		return types.Volume{HostPath: parts[0], GuestPath: parts[1]}, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] == "ro": //nolint:mnd
		return types.Volume{HostPath: parts[0], GuestPath: parts[1], ReadOnly: true}, nil
	}
	return types.Volume{}, fmt.Errorf("invalid --volume %q, want HOST:GUEST[:ro]", s)
}

func parsePort(s string) (types.PortMapping, error) {
	spec, proto, _ := strings.Cut(s, "/")
	hostStr, guestStr, ok := strings.Cut(spec, ":")
	if !ok {
		return types.PortMapping{}, fmt.Errorf("invalid --port %q, want HOST:GUEST[/PROTO]", s)
	}
	host, err := strconv.Atoi(hostStr)
	if err != nil {
		return types.PortMapping{}, fmt.Errorf("invalid --port %q: %w", s, err)
	}
	guest, err := strconv.Atoi(guestStr)
	if err != nil {
		return types.PortMapping{}, fmt.Errorf("invalid --port %q: %w", s, err)
	}
	return types.PortMapping{HostPort: host, GuestPort: guest, Protocol: proto}, nil
}

func readMetadata(path string) (types.Metadata, error) {
	var (
		md   types.Metadata
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path) //nolint:gosec
	}
	if err != nil {
		return md, fmt.Errorf("read metadata: %w", err)
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// batchVMCmd applies fn to every ref, logging successes and joining failures.
func batchVMCmd(ctx context.Context, name, pastTense string, refs []string, fn func(context.Context, string) error) error {
	logger := log.WithFunc("cmd." + name)
	var errs []error
	for _, ref := range refs {
		if err := fn(ctx, ref); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", name, ref, err))
			continue
		}
		logger.Infof(ctx, "%s: %s", pastTense, ref)
	}
	return errors.Join(errs...)
}

func shortID(id string) string {
	if len(id) > 12 { //nolint:mnd
		return id[:12]
	}
	return id
}
