package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ssm/suwayomi-merge/internal/config"
	"github.com/ssm/suwayomi-merge/internal/supervisor"
)

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Request an immediate scan pass from a running daemon",
	RunE:  runRescan,
}

func init() {
	rootCmd.AddCommand(rescanCmd)
}

func runRescan(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings(filepath.Join(configDir(cmd), "settings.yml"))
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if err := supervisor.RequestRescan(settings.StateDir); err != nil {
		return err
	}
	fmt.Println("rescan requested")
	return nil
}
