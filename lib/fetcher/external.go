package fetcher

import (
	"github.com/ValentinKolb/repltail/lib/oplog"
	"github.com/ValentinKolb/repltail/lib/replset"
)

// IExternalState is the replication coordinator's view a fetch session
// consults and reports into. Implementations must be safe for concurrent
// use; the session calls these methods from executor goroutines.
type IExternalState interface {
	// CurrentTermAndLastCommitted returns the node's current consensus
	// term (oplog.UninitializedTerm when none is known) together with the
	// last committed position. Both are attached to find/getMore requests
	// under protocol version 1.
	CurrentTermAndLastCommitted() (int64, oplog.OpTime)

	// ProcessMetadata forwards replication metadata received from the
	// sync source. Either argument may be nil when the response carried
	// only one of the two documents.
	ProcessMetadata(replMetadata *replset.Metadata, oqMetadata *replset.OplogQueryMetadata)

	// ShouldStopFetching lets external sync-source selection veto the
	// current source. sourceLastOpTime and sourceHasSyncSource are
	// derived from the response metadata and are zero/false when no
	// metadata arrived. A true return fails the session with
	// CodeInvalidSyncSource, but only after the current batch has been
	// enqueued.
	ShouldStopFetching(source string, sourceLastOpTime oplog.OpTime, sourceHasSyncSource bool) bool
}
