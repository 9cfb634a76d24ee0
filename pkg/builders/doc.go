/*
Package builders transforms CDC records into derived state.

Two builders exist: the conversation builder reconstructs sessions and
turns, the metrics aggregator maintains rolling counters, gauges and
histograms. Both are strictly idempotent per event id, so the at-least-
once delivery of the worker pool never double-applies.

Builders never return raw errors to the pool. Every Apply yields a
classified Result (ok, transient, permanent); the pool's retry policy is
a pure function of that classification and the attempt count.
*/
package builders
