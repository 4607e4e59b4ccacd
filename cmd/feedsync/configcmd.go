package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/feedsync/internal/config"
	"github.com/mschirtzinger/feedsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage feedsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		if path == "" {
			path = filepath.Join(config.ConfigDir(), config.FileName+".toml")
		}
		force, _ := cmd.Flags().GetBool("force")

		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("output")
		data, err := config.Encode(cfg.Redacted(), format)
		if err != nil {
			return err
		}

		if used := v.ConfigFileUsed(); used != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# "+used))
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# no config file found (using defaults)"))
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "where to write the file (default: ~/.config/feedsync/feedsync.toml)")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configShowCmd.Flags().StringP("output", "o", "toml", "output format: toml, yaml or json")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
