package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrWong99/earshot/pkg/audio/codec"
	"github.com/MrWong99/earshot/pkg/epd"
	"github.com/MrWong99/earshot/pkg/wakeup"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "earshot %s (commit %s)\n", version, commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  wakeup v%d\n  epd    v%d\n  opus   v%d\n", wakeup.Version, epd.Version, codec.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  default keyword model: %t\n", wakeup.HasDefaultModel())
		},
	}
}
