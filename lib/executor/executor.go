package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/repltail/lib/oplog"
)

var log = logger.GetLogger("executor")

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// callbackHandle is the concrete ICallbackHandle. Cancel aborts the
// in-flight round trip through the request context.
type callbackHandle struct {
	cancel context.CancelFunc
}

func (h *callbackHandle) Cancel() {
	h.cancel()
}

// --------------------------------------------------------------------------
// Executor implementation
// --------------------------------------------------------------------------

// taskExecutor implements ITaskExecutor. Every scheduled command runs on
// its own goroutine; the in-flight map allows Shutdown to cancel all
// outstanding work.
type taskExecutor struct {
	sender        CommandSender
	inflight      *xsync.MapOf[uint64, *callbackHandle]
	nextRequestID uint64 // Atomic counter for unique request IDs
	shuttingDown  atomic.Bool
	wg            sync.WaitGroup
}

// NewTaskExecutor creates an executor that dispatches commands through
// the supplied sender.
func NewTaskExecutor(sender CommandSender) ITaskExecutor {
	return &taskExecutor{
		sender:   sender,
		inflight: xsync.NewMapOf[uint64, *callbackHandle](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ITaskExecutor)
// --------------------------------------------------------------------------

func (e *taskExecutor) ScheduleRemoteCommand(req RemoteCommandRequest, cb RemoteCommandCallback) (ICallbackHandle, error) {
	if cb == nil {
		return nil, oplog.NewError(oplog.CodeBadValue, "null remote command callback")
	}
	if e.shuttingDown.Load() {
		return nil, oplog.NewError(oplog.CodeShutdownInProgress, "task executor shutting down")
	}

	requestID := atomic.AddUint64(&e.nextRequestID, 1)

	ctx := context.Background()
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	handle := &callbackHandle{cancel: cancel}
	e.inflight.Store(requestID, handle)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.inflight.Delete(requestID)

		reply, metadata, err := e.sender(ctx, req)
		if err != nil {
			err = classifySendError(ctx, err)
			log.Debugf("remote command %d to %s failed: %v", requestID, req.Source, err)
			cb(RemoteCommandResponse{Err: err})
			return
		}
		cb(RemoteCommandResponse{Document: reply, Metadata: metadata})
	}()

	return handle, nil
}

func (e *taskExecutor) IsShuttingDown() bool {
	return e.shuttingDown.Load()
}

func (e *taskExecutor) Shutdown() {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	e.inflight.Range(func(_ uint64, handle *callbackHandle) bool {
		handle.Cancel()
		return true
	})
	e.wg.Wait()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// classifySendError maps a sender failure onto the transport error
// taxonomy, giving context expiry precedence over whatever the sender
// surfaced.
func classifySendError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return oplog.NewError(oplog.CodeCallbackCanceled, "remote command canceled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return oplog.Errorf(oplog.CodeNetworkTimeout, "remote command timed out: %v", err)
	default:
		return oplog.Errorf(oplog.CodeRemoteCommandFailed, "remote command failed: %v", err)
	}
}
