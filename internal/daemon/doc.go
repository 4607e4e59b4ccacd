// Package daemon runs feedsync in the background.
//
// The daemon composes the pieces that need a long-lived process:
//
//   - periodic sync cycles through the scheduler, which also runs the
//     deferred pushes requested by read events
//   - feed polling on a schedule
//   - an inbox directory watched with fsnotify; every *.jsonl file dropped
//     there is ingested once it has been quiet for the debounce interval,
//     then removed (unparseable files move to failed/)
//   - stale staging cleanup and per-feed retention on a schedule
//   - dashboard events for state changes, cycles, ingestion and store
//     changes, when a dashboard handler is configured
//
// Start blocks until the context is cancelled.
package daemon
