package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	units "github.com/docker/go-units"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/projecteru2/burrow/config"
	netmanager "github.com/projecteru2/burrow/network/manager"
	"github.com/projecteru2/burrow/progress"
	"github.com/projecteru2/burrow/progress/disk"
	"github.com/projecteru2/burrow/vm"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// InitManager probes the network strategy and opens the orchestrator.
// The caller owns the returned Manager and must Close it.
func (h BaseHandler) InitManager(cmd *cobra.Command) (context.Context, *vm.Manager, *netmanager.Manager, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := conf.EnsureDirs(); err != nil {
		return nil, nil, nil, fmt.Errorf("init dirs: %w", err)
	}
	nm, err := netmanager.Detect(ctx, conf, netmanager.Options{})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init network: %w", err)
	}
	m, err := vm.New(ctx, conf, vm.Deps{Network: nm, Progress: DiskProgress()})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init manager: %w", err)
	}
	return ctx, m, nm, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// IsTerminal reports whether f is attached to a TTY.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec
}

// WantJSON reports whether output should be JSON: forced by --json, or
// implied when stdout is not a terminal.
func WantJSON(cmd *cobra.Command) bool {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return true
	}
	return !IsTerminal(os.Stdout)
}

// PrintJSON writes v to stdout as indented JSON.
func PrintJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// DiskProgress renders rootfs preparation on stderr when it is a TTY.
func DiskProgress() progress.Tracker {
	if !IsTerminal(os.Stderr) {
		return progress.Nop
	}
	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)
	return progress.NewTracker(func(e disk.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Phase {
		case disk.PhaseCopy:
			if bar == nil {
				bar = progressbar.NewOptions64(e.BytesTotal,
					progressbar.OptionSetDescription("Preparing "+filepath.Base(e.Path)),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowBytes(true),
					progressbar.OptionSetWidth(15), //nolint:mnd
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set64(e.BytesDone)
		case disk.PhaseConvert:
			fmt.Fprintf(os.Stderr, "Converting base image (%s)...\n", FormatSize(e.BytesTotal))
		case disk.PhaseResize:
			fmt.Fprintf(os.Stderr, "Resizing disk to %s...\n", FormatSize(e.BytesTotal))
		case disk.PhaseDone:
			if bar != nil {
				_ = bar.Finish()
				bar = nil
			}
		}
	})
}

// ParseSize parses a human size such as "1G" or "512M".
func ParseSize(flag, s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, s, err)
	}
	return n, nil
}

func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "unknown"
	}
	return units.BytesSize(float64(bytes))
}
