package fetcher

import (
	"github.com/ValentinKolb/repltail/lib/oplog"
	"github.com/ValentinKolb/repltail/lib/replset"
)

// --------------------------------------------------------------------------
// Sync-source consistency checking
// --------------------------------------------------------------------------

// sourceCheck bundles the inputs of a single consistency evaluation. All
// positions are taken before the batch under inspection is enqueued.
type sourceCheck struct {
	replMetadata *replset.Metadata
	oqMetadata   *replset.OplogQueryMetadata
	// requiredRBID is the remote's rollback id recorded at session start
	requiredRBID int64
	// requireFresher demands a source strictly ahead of us
	requireFresher bool
	// firstBatch marks the first response of a cursor session
	firstBatch bool
	// lastFetched is our position before the batch
	lastFetched oplog.OpTime
	// lastDocOpTime is the position of the batch's final document (zero
	// when the batch is empty)
	lastDocOpTime oplog.OpTime
	batchEmpty    bool
}

// checkSourceConsistency decides whether the remote peer remains an
// acceptable sync source. The returned error (CodeInvalidSyncSource) is a
// deferred verdict: the caller applies it only after the current batch
// has been validated and enqueued, so a rejection never discards
// already-accepted data.
func checkSourceConsistency(c sourceCheck) error {
	// rollback epoch: a changed rollback id means the remote rewound its
	// history since we chose it
	if c.oqMetadata != nil && c.oqMetadata.RBID != c.requiredRBID {
		return oplog.Errorf(oplog.CodeInvalidSyncSource,
			"sync source went into rollback: rbid %d, expected %d", c.oqMetadata.RBID, c.requiredRBID)
	}

	// freshness only matters when (re)establishing the cursor
	if !c.firstBatch {
		return nil
	}

	remoteLastApplied, known := remoteProgress(c.replMetadata, c.oqMetadata)
	if !known {
		return nil
	}

	if c.requireFresher {
		if !remoteLastApplied.After(c.lastFetched) {
			return oplog.Errorf(oplog.CodeInvalidSyncSource,
				"sync source is not ahead of us: remote last applied %s, our last fetched %s",
				remoteLastApplied, c.lastFetched)
		}
		return nil
	}

	if remoteLastApplied.Before(c.lastFetched) {
		// The remote reports a position behind ours. Its metadata may
		// simply be stale: when the batch itself reaches our position the
		// remote provably has our data and stays acceptable.
		if c.batchEmpty || c.lastDocOpTime.Before(c.lastFetched) {
			return oplog.Errorf(oplog.CodeInvalidSyncSource,
				"sync source fell behind us: remote last applied %s, our last fetched %s",
				remoteLastApplied, c.lastFetched)
		}
	}
	return nil
}

// remoteProgress extracts the remote's last applied position from the
// available metadata. The oplog-query document takes precedence; without
// any metadata the progress is unknown.
func remoteProgress(replMetadata *replset.Metadata, oqMetadata *replset.OplogQueryMetadata) (oplog.OpTime, bool) {
	switch {
	case oqMetadata != nil:
		return oqMetadata.LastOpApplied, true
	case replMetadata != nil:
		return replMetadata.LastOpVisible, true
	default:
		return oplog.OpTime{}, false
	}
}

// sourceProgress derives the arguments of the external
// ShouldStopFetching hook from the response metadata.
func sourceProgress(replMetadata *replset.Metadata, oqMetadata *replset.OplogQueryMetadata) (oplog.OpTime, bool) {
	switch {
	case oqMetadata != nil:
		return oqMetadata.LastOpApplied, oqMetadata.HasSyncSource()
	case replMetadata != nil:
		return replMetadata.LastOpVisible, replMetadata.HasSyncSource()
	default:
		return oplog.OpTime{}, false
	}
}
