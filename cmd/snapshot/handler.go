package snapshot

import (
	"errors"
	"fmt"
	"os"
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

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	name, _ := cmd.Flags().GetString("name")
	snap, err := m.CreateSnapshot(ctx, args[0], name)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", args[0], err)
	}
	log.WithFunc("cmd.snapshot.create").Infof(ctx, "snapshot %s of %s created", snap.ID, snap.VMID)
	fmt.Println(snap.ID)
	return nil
}

func (h Handler) List(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	ref := ""
	if len(args) > 0 {
		ref = args[0]
	}
	snaps, err := m.ListSnapshots(ctx, ref)
	if err != nil {
		return err
	}
	if cmdcore.WantJSON(cmd) {
		return cmdcore.PrintJSON(snaps)
	}
	if len(snaps) == 0 {
		fmt.Println("No snapshots found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "ID\tVM\tNAME\tIMAGE\tMEMORY\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.VMID, s.Name, s.BaseImage,
			cmdcore.FormatSize(s.Resources.MemoryMB<<20), //nolint:mnd
			s.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func (h Handler) Restore(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	dir := args[0]
	if len(args) == 2 { //nolint:mnd
		src, err := m.Get(ctx, args[0])
		if err != nil {
			return err
		}
		dir = m.Config().SnapshotDir(src.ID, args[1])
	}

	name, _ := cmd.Flags().GetString("name")
	id, _ := cmd.Flags().GetString("id")
	restored, err := m.RestoreFromSnapshot(ctx, dir, vm.RestoreOptions{Name: name, ID: id})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	logger := log.WithFunc("cmd.snapshot.restore")
	logger.Infof(ctx, "restoring %s (%s) from %s", restored.Name, restored.ID, dir)

	// The Manager is closed on return, which would cancel the restore task.
	if err := m.Wait(ctx, restored.ID); err != nil {
		return fmt.Errorf("%s did not come up: %w", restored.ID, err)
	}
	final, err := m.Get(ctx, restored.ID)
	if err != nil {
		return err
	}
	if final.Status == types.VMStateError {
		return fmt.Errorf("%s did not come up: %s", restored.ID, final.Error)
	}
	fmt.Println(restored.ID)
	return nil
}

func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, m, _, err := h.InitManager(cmd)
	if err != nil {
		return err
	}
	defer m.Close(ctx) //nolint:errcheck

	logger := log.WithFunc("cmd.snapshot.rm")
	var errs []error
	for _, snapID := range args[1:] {
		if err := m.DeleteSnapshot(ctx, args[0], snapID); err != nil {
			errs = append(errs, fmt.Errorf("rm %s: %w", snapID, err))
			continue
		}
		logger.Infof(ctx, "deleted: %s", snapID)
	}
	return errors.Join(errs...)
}
