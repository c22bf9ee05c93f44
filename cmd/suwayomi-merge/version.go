package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("suwayomi-merge %s (%s)\n", version, gitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
