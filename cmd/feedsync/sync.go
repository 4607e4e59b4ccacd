package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
	"github.com/mschirtzinger/feedsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run and inspect read-mark synchronization",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync cycle now",
	Long: `Run one sync cycle: pull read marks from the chain, merge them into the
local store, then push local read marks that have not been confirmed yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.Sync.ServerURL)
		report, err := a.engine.Cycle(cmd.Context())
		if report != nil {
			if ok, oerr := structuredOutput(cmd, report); ok {
				if oerr != nil {
					return oerr
				}
				return err
			}
		}
		switch {
		case errors.Is(err, reconcile.ErrNotConfigured):
			fmt.Printf("%s Not a member of a sync chain\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'feedsync chain create' or 'feedsync chain join'\n")
			return nil
		case errors.Is(err, reconcile.ErrReauthRequired):
			fmt.Printf("%s This device was removed from the chain\n", ui.RenderFail("✗"))
			fmt.Printf("   Join again with 'feedsync chain join'\n")
			return err
		}

		printCycleReport(report)
		if err != nil {
			fmt.Printf("%s Sync failed: %v\n", ui.RenderFail("✗"), err)
			return err
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), report.Duration.Round(time.Millisecond))
		return nil
	},
}

func printCycleReport(r *reconcile.CycleReport) {
	if r == nil {
		return
	}
	rows := []ui.KV{
		{Key: "Pulled", Value: fmt.Sprintf("%d (%d staged)", r.Pulled, r.Staged)},
		{Key: "Applied", Value: fmt.Sprintf("%d (%d waiting for items)", r.Applied, r.Retained)},
		{Key: "Pushed", Value: fmt.Sprintf("%d (%d rejected)", r.Pushed, r.Rejected)},
	}
	if r.Undecryptable > 0 {
		rows = append(rows, ui.KV{Key: "Undecryptable", Value: ui.RenderWarn(fmt.Sprint(r.Undecryptable))})
	}
	if r.FeedsUploaded {
		rows = append(rows, ui.KV{Key: "Feed list", Value: "uploaded"})
	}
	if len(r.NewRemoteFeeds) > 0 {
		rows = append(rows, ui.KV{Key: "New chain feeds", Value: strings.Join(r.NewRemoteFeeds, ", ")})
	}
	fmt.Print(ui.RenderKV(rows))
}

type syncStatus struct {
	Member     bool            `json:"member" yaml:"member"`
	ServerURL  string          `json:"server_url,omitempty" yaml:"server_url,omitempty"`
	SyncCode   string          `json:"sync_code,omitempty" yaml:"sync_code,omitempty"`
	DeviceID   int64           `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	DeviceName string          `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	LastPulled time.Time       `json:"last_pulled,omitempty" yaml:"last_pulled,omitempty"`
	Devices    []schema.Device `json:"devices,omitempty" yaml:"devices,omitempty"`
	Stats      *db.Stats       `json:"stats" yaml:"stats"`
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chain membership and staged marks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		remote, err := a.store.GetSyncRemote(ctx)
		if err != nil {
			return err
		}
		stats, err := a.store.GetStats(ctx)
		if err != nil {
			return err
		}
		st := syncStatus{Stats: stats}
		if remote.HasSession() {
			st.Member = true
			st.ServerURL = remote.URL
			st.SyncCode = remote.SyncCode
			st.DeviceID = remote.DeviceID
			st.DeviceName = remote.DeviceName
			st.LastPulled = remote.LatestMessageTimestamp
			if st.Devices, err = a.store.ListDevices(ctx); err != nil {
				return err
			}
		}

		if ok, err := structuredOutput(cmd, st); ok {
			return err
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		if !st.Member {
			fmt.Printf("  %s\n\n", ui.RenderWarn("Not a member of a sync chain"))
		} else {
			fmt.Print(ui.RenderKV([]ui.KV{
				{Key: "Server", Value: st.ServerURL},
				{Key: "Sync code", Value: st.SyncCode},
				{Key: "Device", Value: fmt.Sprintf("%s (#%d)", st.DeviceName, st.DeviceID)},
				{Key: "Devices", Value: fmt.Sprint(len(st.Devices))},
				{Key: "Last pulled", Value: ui.Ago(st.LastPulled, time.Now())},
			}))
			fmt.Println()
		}
		fmt.Print(ui.RenderKV([]ui.KV{
			{Key: "Feeds", Value: fmt.Sprint(stats.Feeds)},
			{Key: "Items", Value: fmt.Sprintf("%d (%d unread)", stats.Items, stats.UnreadItems)},
			{Key: "Pending marks", Value: fmt.Sprint(stats.PendingReadMarks)},
			{Key: "Remote marks", Value: fmt.Sprintf("%d waiting for items", stats.RemoteReadMarks)},
		}))
		fmt.Println()
		return nil
	},
}

var syncCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop stale staged read marks",
	Long: `Drop staged read marks that outlived their retention window.

Without --before the configured windows apply (sync.pending_mark_max_age,
sync.remote_mark_max_age, sync.synced_mark_retention). With --before every
staged mark older than the given time is dropped:

  feedsync sync cleanup --before "2 weeks ago"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		before, _ := cmd.Flags().GetString("before")
		var report *reconcile.CleanupReport
		if before == "" {
			if report, err = a.engine.Cleanup(ctx); err != nil {
				return err
			}
		} else {
			cutoff, err := parseWhen(before, time.Now())
			if err != nil {
				return err
			}
			report = &reconcile.CleanupReport{}
			if report.StalePending, err = a.store.DeleteStalePendingMarks(ctx, cutoff); err != nil {
				return err
			}
			if report.StaleRemote, err = a.store.DeleteStaleRemoteMarks(ctx, cutoff); err != nil {
				return err
			}
			if report.SyncedPruned, err = a.store.PruneSyncedMarks(ctx, cutoff); err != nil {
				return err
			}
		}

		if ok, err := structuredOutput(cmd, report); ok {
			return err
		}
		fmt.Printf("%s Cleanup complete\n", ui.RenderPass("✓"))
		fmt.Print(ui.RenderKV([]ui.KV{
			{Key: "Stale pending", Value: fmt.Sprint(report.StalePending)},
			{Key: "Stale remote", Value: fmt.Sprint(report.StaleRemote)},
			{Key: "Synced pruned", Value: fmt.Sprint(report.SyncedPruned)},
		}))
		return nil
	},
}

// parseWhen turns natural language ("2 weeks ago", "last monday") into a time.
func parseWhen(text string, now time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", text)
	}
	return r.Time, nil
}

func init() {
	addOutputFlag(syncRunCmd)
	addOutputFlag(syncStatusCmd)
	addOutputFlag(syncCleanupCmd)
	syncCleanupCmd.Flags().String("before", "", "drop staged marks older than this (e.g. \"2 weeks ago\")")

	syncCmd.AddCommand(syncRunCmd, syncStatusCmd, syncCleanupCmd)
	rootCmd.AddCommand(syncCmd)
}
