package reconcile

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/store/schema"
)

// MarkRead marks a local item read and queues the event for the chain.
// The pending mark is durable before this returns; delivery happens in a
// later push.
func (e *Engine) MarkRead(ctx context.Context, itemID int64) error {
	item, err := e.items.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load item %d: %w", itemID, err)
	}

	if err := e.staging.AddPendingReadMarkContext(ctx, item.Key()); err != nil {
		return fmt.Errorf("failed to record read mark: %w", err)
	}
	if err := e.items.SetReadContext(ctx, itemID, true); err != nil {
		return fmt.Errorf("failed to mark item %d read: %w", itemID, err)
	}

	e.RequestPush(ctx)
	return nil
}

// MarkUnread clears the read flag. Unread is never sent to the chain; the
// mark is reset so that reading the item again pushes again.
func (e *Engine) MarkUnread(ctx context.Context, itemID int64) error {
	if _, err := e.items.GetItem(ctx, itemID); err != nil {
		return fmt.Errorf("failed to load item %d: %w", itemID, err)
	}
	if err := e.items.SetReadContext(ctx, itemID, false); err != nil {
		return fmt.Errorf("failed to mark item %d unread: %w", itemID, err)
	}
	if err := e.staging.MarkNotSynced(ctx, itemID); err != nil {
		return fmt.Errorf("failed to reset read mark of item %d: %w", itemID, err)
	}
	return nil
}

// MarkReadByKey records a read for an article that may not be stored
// locally, for example one read in another client. When the item exists
// it is marked read as well.
func (e *Engine) MarkReadByKey(ctx context.Context, key schema.ReadMarkKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("invalid read mark: %w", err)
	}
	if err := e.staging.AddPendingReadMarkContext(ctx, key); err != nil {
		return fmt.Errorf("failed to record read mark: %w", err)
	}

	itemID, ok, err := e.items.LookupItemID(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", key, err)
	}
	if ok {
		if err := e.items.SetReadContext(ctx, itemID, true); err != nil {
			return fmt.Errorf("failed to mark item %d read: %w", itemID, err)
		}
	}

	e.RequestPush(ctx)
	return nil
}

// MarkAllRead marks every unread item matching filter read and returns how
// many items changed. Limit and Offset of the filter are ignored.
func (e *Engine) MarkAllRead(ctx context.Context, filter db.ItemFilter) (int, error) {
	filter.UnreadOnly = true
	filter.Limit = 0
	filter.Offset = 0

	items, err := e.items.ListItems(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to list unread items: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(items))
	keys := make([]schema.ReadMarkKey, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
		keys = append(keys, it.Key())
	}

	if err := e.staging.AddPendingReadMarksContext(ctx, keys); err != nil {
		return 0, fmt.Errorf("failed to record read marks: %w", err)
	}
	if err := e.items.SetReadManyContext(ctx, ids, true); err != nil {
		return 0, fmt.Errorf("failed to mark items read: %w", err)
	}

	e.RequestPush(ctx)
	return len(ids), nil
}
