/*
Package fastpath drains the ingress stream into the raw store and emits
CDC records.

The consumer reads from the ingress consumer group, accumulates a
micro-batch (closed by size or wall-clock window), then runs the commit
protocol: persist the compressed batch in one raw-store transaction,
publish one CDC record per event (failures divert to the local fallback
log, never blocking acknowledgement), and finally acknowledge the
ingress entries. Entries whose batch fails to persist stay on the
pending-entries list and are re-claimed; entries that fail parsing or
schema validation beyond the retry budget are dead-lettered and
acknowledged so the group keeps making progress.

A background sweeper republishes CDC records from the fallback log, and
a claim loop recovers entries stuck pending with dead consumers. The
worker pool's backpressure monitor feeds the shed level back into the
consumer, which halves the batch size, doubles the batch window and
optionally pauses between batches.
*/
package fastpath
