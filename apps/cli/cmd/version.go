package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taut %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:   %s\n", buildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "  go:      %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "  platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
