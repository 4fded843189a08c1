// Package executor provides the asynchronous task executor a fetch
// session schedules its remote commands on.
//
// Key Features:
//   - Non-blocking ScheduleRemoteCommand with a cancelable handle
//   - Exactly one callback delivery per scheduled command (response,
//     failure, or cancellation)
//   - Transport-agnostic: network I/O is delegated to an injected
//     CommandSender; a sender backed by the official MongoDB driver is
//     included
//
// Callbacks run on executor-managed goroutines, never synchronously from
// ScheduleRemoteCommand. Callers must therefore not rely on callback
// completion when ScheduleRemoteCommand returns.
package executor
