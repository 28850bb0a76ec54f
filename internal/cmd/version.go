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
		version := versionInfo.Version
		if version == "" {
			version = "dev"
		}
		fmt.Printf("hydra %s\n", version)
		if versionInfo.Commit != "" {
			fmt.Printf("Commit: %s\n", versionInfo.Commit)
		}
		if versionInfo.BuildDate != "" {
			fmt.Printf("Built: %s\n", versionInfo.BuildDate)
		}
		fmt.Printf("Go: %s\n", runtime.Version())
	},
}
