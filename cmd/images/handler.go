package images

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/burrow/cmd/core"
	"github.com/projecteru2/burrow/images"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	imgs, err := images.New(conf).List(ctx)
	if err != nil {
		return fmt.Errorf("list %s: %w", conf.BaseImagesDir, err)
	}
	if cmdcore.WantJSON(cmd) {
		return cmdcore.PrintJSON(imgs)
	}
	if len(imgs) == 0 {
		fmt.Printf("No base images found in %s.\n", conf.BaseImagesDir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "NAME\tFORMAT\tSIZE\tKERNEL")
	for _, img := range imgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", img.Name, img.Format, cmdcore.FormatSize(img.Size), img.KernelPath)
	}
	return w.Flush()
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	img, err := images.New(conf).Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	return cmdcore.PrintJSON(img)
}
