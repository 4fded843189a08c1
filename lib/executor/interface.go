package executor

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// RemoteCommandRequest describes a single command to run against a remote
// node.
type RemoteCommandRequest struct {
	// Source is the host:port of the remote node
	Source string
	// Database the command runs against
	Database string
	// Command is the command document ("find", "getMore", ...)
	Command bson.D
	// Metadata is the replication metadata document attached to the
	// request (may be nil)
	Metadata bson.D
	// Timeout bounds the whole network round trip; zero means no limit
	Timeout time.Duration
}

// RemoteCommandResponse carries the outcome of a scheduled command.
// Exactly one of the two cases holds: Err is nil and Document carries the
// command reply, or Err is set and the other fields are empty.
type RemoteCommandResponse struct {
	// Document is the raw command reply
	Document bson.Raw
	// Metadata is the replication metadata the remote attached to the
	// reply (may be empty)
	Metadata bson.Raw
	// Err is the transport-level failure, if any
	Err error
}

// RemoteCommandCallback receives the response of a scheduled command. It
// is invoked exactly once per successfully scheduled command.
type RemoteCommandCallback func(resp RemoteCommandResponse)

// ICallbackHandle allows canceling an outstanding remote command. After a
// cancel, the callback is delivered with a CodeCallbackCanceled failure
// (unless the response already settled).
type ICallbackHandle interface {
	Cancel()
}

// ITaskExecutor schedules remote commands and delivers their responses
// asynchronously.
type ITaskExecutor interface {
	// ScheduleRemoteCommand dispatches the request and arranges for cb to
	// be invoked with the outcome. It never invokes cb synchronously.
	ScheduleRemoteCommand(req RemoteCommandRequest, cb RemoteCommandCallback) (ICallbackHandle, error)

	// IsShuttingDown reports whether the executor stopped accepting work.
	IsShuttingDown() bool

	// Shutdown cancels all outstanding commands, waits for their
	// callbacks to finish, and rejects further scheduling.
	Shutdown()
}

// CommandSender performs the actual network round trip for a request. It
// must honor context cancellation. Implementations return the raw reply
// document plus the attached metadata document (which may alias the
// reply).
type CommandSender func(ctx context.Context, req RemoteCommandRequest) (reply, metadata bson.Raw, err error)
