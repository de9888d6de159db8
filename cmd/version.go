package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/hermes/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()

		fmt.Fprintf(cmd.OutOrStdout(), "hermes %s\n", info)
	},
}
