package images

import "github.com/spf13/cobra"

// Actions defines base image queries. Base images are plain directories
// and are managed outside burrow.
type Actions interface {
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
}

// Commands builds image command set.
func Commands(h Actions) []*cobra.Command {
	listCmd := &cobra.Command{
		Use:     "images",
		Aliases: []string{"image-ls"},
		Short:   "List base images usable by vm create",
		Args:    cobra.NoArgs,
		RunE:    h.List,
	}
	listCmd.Flags().Bool("json", false, "print JSON")

	return []*cobra.Command{
		listCmd,
		{
			Use:   "image-inspect NAME",
			Short: "Show how a base image resolves",
			Args:  cobra.ExactArgs(1),
			RunE:  h.Inspect,
		},
	}
}
