package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/feedsync/internal/daemon"
	"github.com/mschirtzinger/feedsync/internal/dashboard"
	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/scheduler"
	"github.com/mschirtzinger/feedsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync, polling and inbox ingestion (foreground)",
	Long: `Run the feedsync daemon in the foreground.

The daemon will:
  1. Push read marks shortly after they are recorded (sync.push_delay)
  2. Run a full sync cycle on sync.frequency
  3. Poll subscribed feeds on ingest.poll_schedule
  4. Ingest *.jsonl batch files dropped into ingest.inbox_dir
  5. Drop stale staged marks and apply retention daily

With dashboard.port set, status updates are broadcast over WebSocket at
ws://127.0.0.1:<port>/ws.`,
	Annotations: map[string]string{"long-running": "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		deps := daemon.Deps{
			Store:     a.store,
			Engine:    a.engine,
			Ingester:  a.ingester,
			Scheduler: a.sched,
		}
		if cfg.Ingest.PollSchedule != "" {
			deps.Poller = ingest.NewPoller(a.store, a.ingester, &ingest.PollerConfig{
				Timeout:   cfg.Sync.Timeout,
				UserAgent: cfg.Ingest.UserAgent,
				Logger:    newLogger("poller"),
			})
		}

		if port := cfg.Dashboard.Port; port > 0 {
			server := dashboard.NewServer(&dashboard.Config{
				Host:   "127.0.0.1",
				Port:   port,
				Logger: newLogger("dashboard"),
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer server.Stop()
			deps.Dashboard = dashboard.NewHandler(server, newLogger("dashboard"))
			fmt.Printf("   Dashboard: ws://%s/ws\n", server.GetAddr())
		}

		syncConstraints := scheduler.Constraints{Network: scheduler.NetworkConnected}
		if cfg.Sync.OnlyOnWifi {
			syncConstraints.Network = scheduler.NetworkUnmetered
		}
		syncConstraints.RequiresCharging = cfg.Sync.OnlyWhenCharging

		dcfg := daemon.DefaultConfig()
		dcfg.InboxDir = cfg.Ingest.InboxDir
		dcfg.SyncSchedule = cfg.Sync.Frequency
		dcfg.PollSchedule = cfg.Ingest.PollSchedule
		dcfg.SyncConstraints = syncConstraints
		dcfg.Logger = newLogger("daemon")

		d, err := daemon.New(deps, dcfg)
		if err != nil {
			return err
		}

		fmt.Printf("%s Starting feedsync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Database: %s\n", cfg.Database.Path)
		fmt.Printf("   Server: %s\n", cfg.Sync.ServerURL)
		if dcfg.InboxDir != "" {
			fmt.Printf("   Inbox: %s\n", dcfg.InboxDir)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
