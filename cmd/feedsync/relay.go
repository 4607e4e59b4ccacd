package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/feedsync/internal/loadtest"
	"github.com/mschirtzinger/feedsync/internal/relay"
	"github.com/mschirtzinger/feedsync/internal/ui"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "advanced",
	Short:   "Reference sync server",
}

var relayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory sync server",
	Long: `Run the reference sync server. It keeps chains, devices and sealed read
marks in memory; restarting it forgets every chain. It is meant for
development and for trying feedsync across devices on a local network.`,
	Annotations: map[string]string{"long-running": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		maxMarks, _ := cmd.Flags().GetInt("max-marks")

		server := relay.NewServer(&relay.Config{
			Addr:             addr,
			MaxMarksPerChain: maxMarks,
			Logger:           newLogger("relay"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}

		fmt.Printf("%s Sync server listening on http://%s\n", ui.RenderAccent("📡"), server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down sync server...")
		return server.Stop()
	},
}

func init() {
	relayServeCmd.Flags().String("addr", relay.DefaultConfig().Addr, "address to listen on")
	relayServeCmd.Flags().Int("max-marks", relay.DefaultConfig().MaxMarksPerChain, "stored marks per chain (0 = unlimited)")

	relayCmd.AddCommand(relayServeCmd)
	rootCmd.AddCommand(relayCmd)
}

var relayLoadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Simulate a chain of devices syncing concurrently",
	Long: `Start an in-memory sync server and a fleet of simulated devices that
share one chain. Every device marks random items read and syncs
concurrently; afterwards every device must hold the same read set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, _ := cmd.Flags().GetInt("devices")
		feeds, _ := cmd.Flags().GetInt("feeds")
		items, _ := cmd.Flags().GetInt("items")
		marks, _ := cmd.Flags().GetInt("marks")
		batch, _ := cmd.Flags().GetInt("batch")
		ctx := cmd.Context()

		fmt.Printf("%s Starting %d devices with %d items each...\n", ui.RenderAccent("🧪"), devices, feeds*items)
		fleet, err := loadtest.NewFleet(ctx, loadtest.Config{
			Devices:      devices,
			Feeds:        feeds,
			ItemsPerFeed: items,
			Logger:       newLogger("loadtest"),
		})
		if err != nil {
			return err
		}
		defer fleet.Close()

		stats, err := fleet.RunReadStorm(ctx, marks, batch)
		if err != nil {
			return err
		}
		stats.PrintStats(os.Stdout)

		if err := fleet.SettleAndVerify(ctx); err != nil {
			fmt.Printf("%s Devices did not converge: %v\n", ui.RenderFail("✗"), err)
			return err
		}
		fmt.Printf("%s All %d devices converged\n", ui.RenderPass("✓"), devices)
		return nil
	},
}

func init() {
	relayLoadtestCmd.Flags().Int("devices", 5, "devices in the chain")
	relayLoadtestCmd.Flags().Int("feeds", 5, "feeds per device")
	relayLoadtestCmd.Flags().Int("items", 50, "items per feed")
	relayLoadtestCmd.Flags().Int("marks", 40, "items each device marks read")
	relayLoadtestCmd.Flags().Int("batch", 10, "marks between sync cycles")

	relayCmd.AddCommand(relayLoadtestCmd)
}
