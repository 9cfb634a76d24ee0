/*
Package workers runs the slow path: a fixed-size pool of CDC consumers
driving the derived-state builders.

Each worker reads one CDC record at a time from the cdc consumer group,
resolves by-reference payloads against the raw store, dispatches the
record to every registered builder in order, and acknowledges only when
all builders succeeded. Transient builder failures retry with
exponential backoff up to a budget; permanent failures (and exhausted
budgets) ship the record to the DLQ and acknowledge it.

The pool also hosts the backpressure monitor, which probes the cdc
pending-entries depth and feeds a shed level back to the fast path, and
a claim loop that recovers records left pending by dead workers.
*/
package workers
