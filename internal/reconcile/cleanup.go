package reconcile

import (
	"context"
	"fmt"
)

// CleanupReport counts rows removed by Cleanup.
type CleanupReport struct {
	StalePending int64 `json:"stale_pending" yaml:"stale_pending"`
	StaleRemote  int64 `json:"stale_remote" yaml:"stale_remote"`
	SyncedPruned int64 `json:"synced_pruned" yaml:"synced_pruned"`
}

// Cleanup drops staged marks that outlived their window: unsynced pending
// marks that never got delivered, remote marks whose item never arrived,
// and old synced bookkeeping. A zero window keeps everything.
func (e *Engine) Cleanup(ctx context.Context) (*CleanupReport, error) {
	now := e.now()
	report := &CleanupReport{}

	if age := e.cfg.PendingMarkMaxAge; age > 0 {
		n, err := e.staging.DeleteStalePendingMarks(ctx, now.Add(-age))
		if err != nil {
			return report, fmt.Errorf("failed to delete stale pending marks: %w", err)
		}
		report.StalePending = n
	}
	if age := e.cfg.RemoteMarkMaxAge; age > 0 {
		n, err := e.staging.DeleteStaleRemoteMarks(ctx, now.Add(-age))
		if err != nil {
			return report, fmt.Errorf("failed to delete stale remote marks: %w", err)
		}
		report.StaleRemote = n
	}
	if age := e.cfg.SyncedMarkRetention; age > 0 {
		n, err := e.staging.PruneSyncedMarks(ctx, now.Add(-age))
		if err != nil {
			return report, fmt.Errorf("failed to prune synced marks: %w", err)
		}
		report.SyncedPruned = n
	}

	if total := report.StalePending + report.StaleRemote + report.SyncedPruned; total > 0 {
		e.logger.Printf("Cleanup removed %d stale pending, %d stale remote, %d synced marks",
			report.StalePending, report.StaleRemote, report.SyncedPruned)
	}
	return report, nil
}
