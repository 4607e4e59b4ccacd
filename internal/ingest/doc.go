// Package ingest feeds fetched articles into the item store.
//
// Candidates come from three places: feed polls (Poller, backed by
// gofeed), inbox files in JSON Lines format (ReadJSONL) and reader-API
// imports. All of them end in Ingester.Ingest, which upserts the
// candidates, lets staged remote read marks catch up with the new items
// and applies per-feed retention.
package ingest
