package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/hermes/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "hermes",
	Short: "Hermes direct messaging service",
	Long: `Hermes is a small direct messaging service. Clients talk to it over
length prefixed frames on a raw TCP socket.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(ClientCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
