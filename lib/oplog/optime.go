package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UninitializedTerm is the sentinel term value used before a consensus
// term is known (protocol version 0, or a node that has not yet voted).
const UninitializedTerm int64 = -1

// --------------------------------------------------------------------------
// OpTime
// --------------------------------------------------------------------------

// OpTime is a logical position in the oplog: a timestamp plus the
// consensus term during which the operation was written. OpTimes are
// totally ordered by (timestamp, term).
type OpTime struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Term      int64               `bson:"t"`
}

// NewOpTime creates an OpTime from the timestamp components and a term.
func NewOpTime(t, i uint32, term int64) OpTime {
	return OpTime{Timestamp: primitive.Timestamp{T: t, I: i}, Term: term}
}

// IsZero reports whether the OpTime is the null sentinel. Only the
// timestamp is considered, matching the oplog convention that a zero
// timestamp never names a real operation regardless of term.
func (o OpTime) IsZero() bool {
	return o.Timestamp.T == 0 && o.Timestamp.I == 0
}

// Compare orders two OpTimes lexicographically by (timestamp, term).
// It returns -1, 0 or +1.
func (o OpTime) Compare(other OpTime) int {
	if c := primitive.CompareTimestamp(o.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	switch {
	case o.Term < other.Term:
		return -1
	case o.Term > other.Term:
		return 1
	default:
		return 0
	}
}

// Before reports whether o orders strictly before other.
func (o OpTime) Before(other OpTime) bool { return o.Compare(other) < 0 }

// After reports whether o orders strictly after other.
func (o OpTime) After(other OpTime) bool { return o.Compare(other) > 0 }

// Equal reports whether both position and term match.
func (o OpTime) Equal(other OpTime) bool { return o.Compare(other) == 0 }

// Document returns the wire form of the OpTime ({ts: ..., t: ...}),
// used when attaching positions to find/getMore commands.
func (o OpTime) Document() bson.D {
	return bson.D{
		{Key: "ts", Value: o.Timestamp},
		{Key: "t", Value: o.Term},
	}
}

// String returns a compact human readable form, e.g. "{ts: 123|0, t: 1}".
func (o OpTime) String() string {
	return fmt.Sprintf("{ts: %d|%d, t: %d}", o.Timestamp.T, o.Timestamp.I, o.Term)
}

// --------------------------------------------------------------------------
// OpTimeWithHash
// --------------------------------------------------------------------------

// OpTimeWithHash pairs an OpTime with the entry's chain hash. The hash is
// opaque to the fetch pipeline; it only participates in the continuity
// contract that the first document of a resumed cursor session must match
// the last fetched position exactly.
type OpTimeWithHash struct {
	Hash   int64
	OpTime OpTime
}

// IsZero reports whether the position is the null sentinel.
func (o OpTimeWithHash) IsZero() bool {
	return o.Hash == 0 && o.OpTime.IsZero()
}

// Equal reports whether hash, timestamp and term all match.
func (o OpTimeWithHash) Equal(other OpTimeWithHash) bool {
	return o.Hash == other.Hash && o.OpTime.Equal(other.OpTime)
}

// String returns a compact human readable form.
func (o OpTimeWithHash) String() string {
	return fmt.Sprintf("{h: %d, %s}", o.Hash, o.OpTime)
}
