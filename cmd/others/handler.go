package others

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/burrow/cmd/core"
	"github.com/projecteru2/burrow/config"
	"github.com/projecteru2/burrow/gc"
	"github.com/projecteru2/burrow/network"
	"github.com/projecteru2/burrow/network/dhcp"
	netmanager "github.com/projecteru2/burrow/network/manager"
	"github.com/projecteru2/burrow/types"
	"github.com/projecteru2/burrow/version"
	"github.com/projecteru2/burrow/vm"
)

const eventBuffer = 64

type Handler struct {
	cmdcore.BaseHandler
}

// Serve keeps one Manager open until the command context is cancelled by
// SIGINT or SIGTERM, then stops every VM.
func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, m, nm, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.serve")

	events, unsubscribe := m.Subscribe(eventBuffer)
	defer unsubscribe()
	go logEvents(ctx, events)

	dhcpDone := make(chan struct{})
	if m.Config().Network.DHCP {
		go func() {
			defer close(dhcpDone)
			if err := serveDHCP(ctx, m.Config(), nm); err != nil {
				logger.Warnf(ctx, "dhcp responder stopped: %v", err)
			}
		}()
	} else {
		close(dhcpDone)
	}

	st := m.Stats()
	logger.Infof(ctx, "serving %s: %d VMs (%d running), network mode %s",
		m.Config().RootDir, st.Total, st.Running, nm.Mode())
	<-ctx.Done()

	// ctx is already cancelled; shutdown runs on its own deadline.
	shutdownCtx := context.WithoutCancel(ctx)
	logger.Infof(shutdownCtx, "signal received, stopping all VMs")
	var errs []error
	if err := m.ShutdownAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	}
	<-dhcpDone
	if err := m.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	return errors.Join(errs...)
}

func (h Handler) Stats(cmd *cobra.Command, _ []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	out := struct {
		VMs     types.Stats    `json:"vms"`
		Network network.Health `json:"network"`
	}{m.Stats(), m.NetworkStatus(ctx)}
	if cmdcore.WantJSON(cmd) {
		return cmdcore.PrintJSON(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "TOTAL\tCREATING\tBOOTING\tRUNNING\tPAUSED\tSTOPPED\tERROR")
	s := out.VMs
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		s.Total, s.Creating, s.Booting, s.Running, s.Paused, s.Stopped, s.Error)
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nnetwork: %s (%s)\n", out.Network.Mode, out.Network.Message)
	return nil
}

// NetworkStatus only probes; it does not take the host lock.
func (h Handler) NetworkStatus(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if err := conf.EnsureDirs(); err != nil {
		return err
	}
	nm, err := netmanager.Detect(ctx, conf, netmanager.Options{})
	if err != nil {
		return err
	}
	return cmdcore.PrintJSON(nm.Health(ctx))
}

func (h Handler) NetworkDHCP(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if err := conf.EnsureDirs(); err != nil {
		return err
	}
	nm, err := netmanager.Detect(ctx, conf, netmanager.Options{})
	if err != nil {
		return err
	}
	return serveDHCP(ctx, conf, nm)
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, m, nm, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	o := gc.New()
	m.RegisterGC(o)
	nm.RegisterGC(o)
	report, err := o.Run(ctx)
	if err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "GC completed, %d item(s) removed", report.Total())
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}

// serveDHCP answers on the bridge until ctx is done. Only helper mode owns
// a bridge and a lease table.
func serveDHCP(ctx context.Context, conf *config.Config, nm *netmanager.Manager) error {
	leaser, ok := nm.Leaser()
	if !ok || nm.Mode() != network.ModeHelper {
		return fmt.Errorf("dhcp needs helper network mode, active mode is %s", nm.Mode())
	}
	gateway, prefixLen := nm.Gateway()
	srv, err := dhcp.New(conf.Network.Bridge, gateway, prefixLen, leaser, conf.Network.DNS)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

func logEvents(ctx context.Context, events <-chan vm.Event) {
	logger := log.WithFunc("cmd.serve.events")
	for ev := range events {
		switch ev.Type {
		case vm.EventFailed:
			logger.Warnf(ctx, "%s %s (%s): %s", ev.Type, ev.Name, ev.VMID, ev.Error)
		case vm.EventStatus:
			logger.Infof(ctx, "%s (%s) -> %s", ev.Name, ev.VMID, ev.Status)
		default:
			logger.Infof(ctx, "%s %s (%s)", ev.Type, ev.Name, ev.VMID)
		}
	}
}
