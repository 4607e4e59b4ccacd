package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/feedsync/internal/config"
)

var (
	cfgFile string
	verbose bool

	v   *viper.Viper
	cfg *config.Config

	// logOut receives component logs; see setupLogging.
	logOut io.Writer = io.Discard
)

var rootCmd = &cobra.Command{
	Use:   "feedsync",
	Short: "Sync feed read state across devices",
	Long: `feedsync keeps a local store of feed items and synchronizes which
articles have been read with the other devices of a sync chain.

Read marks are recorded locally first and pushed in the background. Marks
from other devices are merged on every sync, including marks for articles
that have not been fetched here yet.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		setupLogging(cmd)
		return nil
	},
}

func init() {
	v = config.New("")
	cobra.OnInitialize(func() {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		}
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./feedsync.toml or ~/.config/feedsync/feedsync.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log component activity to stderr")
	rootCmd.PersistentFlags().String("db", "", "database path (overrides database.path)")
	rootCmd.PersistentFlags().String("server", "", "sync server url (overrides sync.server_url)")
	_ = v.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("sync.server_url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "items", Title: "Items:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

// setupLogging routes component logs. With log.file set they go to a
// rotating file, mirrored to stderr under --verbose. Without a file they go
// to stderr only under --verbose, except for long-running commands.
func setupLogging(cmd *cobra.Command) {
	var writers []io.Writer
	if cfg.Log.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	if verbose || (cfg.Log.File == "" && isLongRunning(cmd)) {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		logOut = io.Discard
	case 1:
		logOut = writers[0]
	default:
		logOut = io.MultiWriter(writers...)
	}
}

func isLongRunning(cmd *cobra.Command) bool {
	return cmd.Annotations["long-running"] == "true"
}

// newLogger returns a component logger writing to the configured output.
func newLogger(component string) *log.Logger {
	return log.New(logOut, "["+component+"] ", log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
