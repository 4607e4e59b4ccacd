// Package reconcile keeps read state consistent across the devices of a
// chain.
//
// # Overview
//
// Local read events are written to the staging store first (pending read
// marks) and delivered later by a deferred push. Marks from peer devices
// are pulled into the staging store (remote read marks) and merged into the
// item store. The engine guarantees at-least-once delivery of every local
// mark and idempotent application of every remote mark.
//
// # Cycle
//
// One cycle is:
//
//	Idle -> Pulling -> Merging -> Pushing -> Idle
//
// and ends in Failed (then Idle) when any phase failed. Phases run in
// order and a failed phase does not stop the later ones: a pull failure
// still lets already staged marks merge and pending marks push. Concurrent
// triggers share the cycle that is in flight.
//
//   - Pull: fetch remote marks newer than the high-water mark and stage
//     them; only then advance the high-water mark. Fetch the chain's feed
//     list and report feeds this device does not have.
//   - Merge: resolve each staged remote mark to a local item. Resolved
//     marks set the item read, are recorded as synced and are deleted.
//     Unresolved marks stay staged until the item is ingested or the mark
//     goes stale.
//   - Push: send unsynced pending marks in batches and flag only the
//     confirmed ones synced. Upload the feed list when it changed.
//
// # Errors
//
// Transport failures are retryable except transport.ErrUnauthorized,
// which drops the chain membership and all staged state and leaves the
// engine waiting for the user to join again (ErrReauthRequired).
//
// # Example
//
//	engine := reconcile.New(store, store, client, &reconcile.Config{
//	    Scheduler: sched,
//	})
//	if err := engine.MarkRead(ctx, itemID); err != nil {
//	    return err
//	}
//	report, err := engine.Cycle(ctx)
package reconcile
