// Package fetcher implements the oplog fetch session: a tailing cursor
// over a sync source's oplog that validates ordering and continuity of
// every batch, checks the source's replication metadata for staleness and
// rollback, and hands validated batches to an injected enqueue callback.
//
// Key Features:
//   - Explicit lifecycle state machine (PreStart, Running, ShuttingDown,
//     Complete) with thread-safe Startup/Shutdown/Join
//   - Bounded cursor restart policy: transport failures re-issue a fresh
//     find from the last fetched position with a shorter timeout, up to a
//     configured budget; data and protocol errors are terminal
//   - Strict batch validation: monotonically increasing timestamps, the
//     first document of a resumed cursor must equal the last fetched
//     position (continuity anchor)
//   - Sync-source consistency checking driven by the $replData and
//     $oplogQueryData response metadata (rollback id, freshness policy,
//     external veto hook)
//   - Exactly-once shutdown callback carrying the terminal status and the
//     last successfully fetched position
//
// Implementation Details:
//
//   - All remote I/O runs through an executor.ITaskExecutor; response
//     handling, validation and the enqueue callback execute on executor
//     goroutines. A single mutex guards lifecycle state, cursor id,
//     restart counter and the last fetched position.
//
//   - A sync-source rejection never discards accepted data: the verdict
//     is computed before the batch is enqueued but applied only after the
//     last fetched position has advanced. Consequently the shutdown
//     callback of a rejected session still reports the position of the
//     final accepted batch.
//
//   - A concurrent Shutdown wins over a late-arriving batch result:
//     response handlers re-check the lifecycle state before publishing
//     their result and abandon it once ShuttingDown has been entered. The
//     terminal status is then CallbackCanceled.
package fetcher
