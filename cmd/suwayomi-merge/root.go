// Command suwayomi-merge is the mergerfs-union-mount daemon of spec §0:
// it watches a sources tree and an override tree, groups same-title
// branches across sources, and maintains one mergerfs mount per
// canonical title under a merged root.
package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "suwayomi-merge",
	Short: "Maintain mergerfs union mounts over a manga sources/override tree",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config-dir", "c", "/ssm/config", "directory holding settings.yml, manga_equivalents.yml, scene_tags.yml, source_priority.yml")
}

func configDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("config-dir")
	if dir == "" {
		dir, _ = cmd.Root().PersistentFlags().GetString("config-dir")
	}
	return dir
}
