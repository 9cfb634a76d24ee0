/*
Package storage implements the durable stores behind the pipeline.

Three SQLite databases hold the persistent state:

  - RawStore: append-only compressed batches of events (raw_batches).
    Single writer, WAL journaling, one transaction per batch. Batch ids
    are assigned by the store and strictly increase in commit order.
  - ConversationStore: sessions and turns reconstructed by the
    conversation builder, with a per-database applied index that makes
    updates idempotent per event id.
  - MetricsStore: keyed counter, gauge and histogram rows updated through
    conditional deltas keyed by (event_id, metric_key).

A small bbolt database (CDCFallback) records CDC records that could not
be published after a batch commit, until the background sweeper re-emits
them.

All stores are safe for concurrent use. The raw store serializes writes
internally; the derived stores rely on the callers' per-session locks
plus their applied indexes.
*/
package storage
