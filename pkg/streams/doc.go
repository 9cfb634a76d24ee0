/*
Package streams provides the append-only streams backing the pipeline.

Three logical streams exist: ingress (capture agents to fast path), cdc
(fast path to worker pool) and dlq (poison events). All are ordered logs
with consumer groups: each entry is delivered to exactly one consumer in
a group until acknowledged, and delivered-but-unacknowledged entries sit
on the group's pending-entries list where they can be claimed back after
a consumer dies.

The production implementation is Redis Streams via go-redis (XADD with
approximate MaxLen trimming, XREADGROUP, XACK, XAUTOCLAIM, XPENDING).
Callers construct one Client around a shared redis.Client and obtain
Stream handles from it. Memory provides the same contract in-process for
tests.
*/
package streams
