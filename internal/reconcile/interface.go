package reconcile

import (
	"context"
	"time"

	"github.com/mschirtzinger/feedsync/internal/scheduler"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// ItemStore is the part of the item store the engine uses. It knows nothing
// about sync state.
type ItemStore interface {
	GetItem(ctx context.Context, itemID int64) (*schema.Item, error)
	LookupItemID(ctx context.Context, key schema.ReadMarkKey) (int64, bool, error)
	SetReadContext(ctx context.Context, itemID int64, read bool) error
	SetReadManyContext(ctx context.Context, itemIDs []int64, read bool) error
	ListItems(ctx context.Context, filter db.ItemFilter) ([]*schema.Item, error)
	ListFeedURLs(ctx context.Context) ([]string, error)
}

// StagingStore holds read-mark reconciliation state and chain membership.
type StagingStore interface {
	AddPendingReadMarkContext(ctx context.Context, key schema.ReadMarkKey) error
	AddPendingReadMarksContext(ctx context.Context, keys []schema.ReadMarkKey) error
	MarkSynced(ctx context.Context, itemID int64) error
	MarkNotSynced(ctx context.Context, itemID int64) error
	MarkKeysSynced(ctx context.Context, keys []schema.ReadMarkKey) (int, error)
	GetPendingReadMarks(ctx context.Context, after *schema.PendingReadMark, limit int) ([]schema.PendingReadMark, error)
	DeleteStalePendingMarks(ctx context.Context, before time.Time) (int64, error)
	PruneSyncedMarks(ctx context.Context, before time.Time) (int64, error)

	AddRemoteReadMarks(ctx context.Context, marks []schema.RemoteReadMark) (int, error)
	GetMarksReadyToApply(ctx context.Context) ([]schema.RemoteReadMark, error)
	DeleteRemoteReadMarks(ctx context.Context, ids []int64) error
	DeleteStaleRemoteMarks(ctx context.Context, before time.Time) (int64, error)

	GetSyncRemote(ctx context.Context) (*schema.SyncRemote, error)
	SaveSyncRemote(ctx context.Context, r *schema.SyncRemote) error
	UpdateMessageTimestamp(ctx context.Context, ts time.Time) error
	UpdateFeedsRemoteHash(ctx context.Context, hash int64) error
	ClearSyncState(ctx context.Context) error
	ClearMembership(ctx context.Context) error

	ReplaceDevices(ctx context.Context, devices []schema.Device) error
	ListDevices(ctx context.Context) ([]schema.Device, error)
	ReplaceRemoteFeeds(ctx context.Context, urls []string) error
	ListRemoteFeeds(ctx context.Context) ([]string, error)
}

// JobScheduler runs deferred jobs with replace-on-key semantics.
type JobScheduler interface {
	Submit(key string, c scheduler.Constraints, delay time.Duration, job scheduler.Job) error
}

var (
	_ ItemStore    = (*db.DB)(nil)
	_ StagingStore = (*db.DB)(nil)
	_ JobScheduler = (*scheduler.Scheduler)(nil)
)
