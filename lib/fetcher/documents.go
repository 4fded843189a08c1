package fetcher

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ValentinKolb/repltail/lib/oplog"
)

// --------------------------------------------------------------------------
// Batch accounting
// --------------------------------------------------------------------------

// DocumentsInfo is the per-batch accounting produced by ValidateDocuments.
// It is constructed fresh for every batch, consumed by the enqueue
// callback, and discarded.
type DocumentsInfo struct {
	// NetworkDocumentCount/Bytes cover every document received
	NetworkDocumentCount int
	NetworkDocumentBytes int
	// ToApplyDocumentCount/Bytes exclude the continuity anchor on the
	// first batch of a cursor session (it was already applied)
	ToApplyDocumentCount int
	ToApplyDocumentBytes int
	// LastDocument is the position of the final document in the batch,
	// zero when the to-apply set is empty
	LastDocument oplog.OpTimeWithHash
}

// --------------------------------------------------------------------------
// Batch validation
// --------------------------------------------------------------------------

// ValidateDocuments enforces the ordering and continuity invariants over a
// raw batch of oplog entries and returns the batch accounting.
//
// On the first batch of a cursor session the leading document is the
// continuity anchor: its timestamp must equal lastTS exactly and it is
// excluded from the to-apply accounting. On every other batch the first
// document must be strictly newer than lastTS. Within a batch timestamps
// must be strictly increasing.
//
// The function is pure and safe to call concurrently with independent
// inputs. Error codes: CodeOplogStartMissing for an empty first batch,
// CodeMissingField for unparsable entries, CodeOplogOutOfOrder for any
// ordering violation.
func ValidateDocuments(documents []bson.Raw, isFirstBatch bool, lastTS primitive.Timestamp) (DocumentsInfo, error) {
	if len(documents) == 0 {
		if isFirstBatch {
			return DocumentsInfo{}, oplog.Errorf(oplog.CodeOplogStartMissing,
				"the oplog start position {%d %d} is no longer present on the sync source", lastTS.T, lastTS.I)
		}
		// an empty continuation batch is a valid await-data wakeup
		return DocumentsInfo{}, nil
	}

	var info DocumentsInfo
	prevTS := lastTS
	for i, doc := range documents {
		opTime, err := oplog.ParseOpTime(doc)
		if err != nil {
			return DocumentsInfo{}, err
		}
		ts := opTime.Timestamp

		if i == 0 && isFirstBatch {
			if ts != prevTS {
				return DocumentsInfo{}, oplog.Errorf(oplog.CodeOplogOutOfOrder,
					"first document timestamp {%d %d} does not equal the last fetched timestamp {%d %d}",
					ts.T, ts.I, prevTS.T, prevTS.I)
			}
		} else if primitive.CompareTimestamp(ts, prevTS) <= 0 {
			return DocumentsInfo{}, oplog.Errorf(oplog.CodeOplogOutOfOrder,
				"out of order entries in oplog batch: {%d %d} <= {%d %d} (entry %d of %d)",
				ts.T, ts.I, prevTS.T, prevTS.I, i+1, len(documents))
		}
		prevTS = ts

		info.NetworkDocumentCount++
		info.NetworkDocumentBytes += len(doc)
	}

	info.ToApplyDocumentCount = info.NetworkDocumentCount
	info.ToApplyDocumentBytes = info.NetworkDocumentBytes
	if isFirstBatch {
		// the anchor was already applied in a prior session
		info.ToApplyDocumentCount--
		info.ToApplyDocumentBytes -= len(documents[0])
	}

	if info.ToApplyDocumentCount > 0 {
		lastDocument, err := oplog.ParseOpTimeWithHash(documents[len(documents)-1])
		if err != nil {
			return DocumentsInfo{}, err
		}
		info.LastDocument = lastDocument
	}

	return info, nil
}
