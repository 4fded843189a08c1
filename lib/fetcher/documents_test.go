package fetcher

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ValentinKolb/repltail/lib/oplog"
)

func mustRaw(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// noopEntry builds a minimal oplog entry at the given seconds/hash.
func noopEntry(seconds uint32, hash int64) bson.D {
	return bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: seconds}},
		{Key: "t", Value: int64(1)},
		{Key: "h", Value: hash},
		{Key: "op", Value: "n"},
		{Key: "ns", Value: "test.coll"},
		{Key: "o", Value: bson.D{{Key: "msg", Value: "noop"}}},
	}
}

func rawEntries(t *testing.T, entries ...bson.D) []bson.Raw {
	t.Helper()
	out := make([]bson.Raw, 0, len(entries))
	for _, e := range entries {
		out = append(out, mustRaw(t, e))
	}
	return out
}

func TestValidateDocumentsEmptyFirstBatch(t *testing.T) {
	_, err := ValidateDocuments(nil, true, primitive.Timestamp{T: 123})
	if got := oplog.CodeOf(err); got != oplog.CodeOplogStartMissing {
		t.Errorf("ValidateDocuments = %v, want code %s", err, oplog.CodeOplogStartMissing)
	}
}

func TestValidateDocumentsEmptyLaterBatch(t *testing.T) {
	info, err := ValidateDocuments(nil, false, primitive.Timestamp{T: 123})
	if err != nil {
		t.Fatalf("ValidateDocuments: %v", err)
	}
	if info.NetworkDocumentCount != 0 || info.ToApplyDocumentCount != 0 {
		t.Errorf("counts = %d/%d, want 0/0", info.NetworkDocumentCount, info.ToApplyDocumentCount)
	}
	if !info.LastDocument.IsZero() {
		t.Errorf("LastDocument = %s, want zero", info.LastDocument)
	}
}

func TestValidateDocumentsFirstBatch(t *testing.T) {
	docs := rawEntries(t, noopEntry(123, 456), noopEntry(456, 457), noopEntry(789, 458))
	info, err := ValidateDocuments(docs, true, primitive.Timestamp{T: 123})
	if err != nil {
		t.Fatalf("ValidateDocuments: %v", err)
	}
	if info.NetworkDocumentCount != 3 {
		t.Errorf("NetworkDocumentCount = %d, want 3", info.NetworkDocumentCount)
	}
	if info.ToApplyDocumentCount != 2 {
		t.Errorf("ToApplyDocumentCount = %d, want 2", info.ToApplyDocumentCount)
	}
	wantNetwork := len(docs[0]) + len(docs[1]) + len(docs[2])
	if info.NetworkDocumentBytes != wantNetwork {
		t.Errorf("NetworkDocumentBytes = %d, want %d", info.NetworkDocumentBytes, wantNetwork)
	}
	if info.ToApplyDocumentBytes != wantNetwork-len(docs[0]) {
		t.Errorf("ToApplyDocumentBytes = %d, want %d", info.ToApplyDocumentBytes, wantNetwork-len(docs[0]))
	}
	want := oplog.OpTimeWithHash{Hash: 458, OpTime: oplog.NewOpTime(789, 0, 1)}
	if !info.LastDocument.Equal(want) {
		t.Errorf("LastDocument = %s, want %s", info.LastDocument, want)
	}
}

func TestValidateDocumentsFirstBatchAnchorOnly(t *testing.T) {
	docs := rawEntries(t, noopEntry(123, 456))
	info, err := ValidateDocuments(docs, true, primitive.Timestamp{T: 123})
	if err != nil {
		t.Fatalf("ValidateDocuments: %v", err)
	}
	if info.ToApplyDocumentCount != 0 || info.ToApplyDocumentBytes != 0 {
		t.Errorf("to-apply = %d/%d bytes, want 0/0", info.ToApplyDocumentCount, info.ToApplyDocumentBytes)
	}
	// the anchor alone produces nothing to apply and no new position
	if !info.LastDocument.IsZero() {
		t.Errorf("LastDocument = %s, want zero", info.LastDocument)
	}
}

func TestValidateDocumentsLaterBatch(t *testing.T) {
	docs := rawEntries(t, noopEntry(456, 457), noopEntry(789, 458))
	info, err := ValidateDocuments(docs, false, primitive.Timestamp{T: 123})
	if err != nil {
		t.Fatalf("ValidateDocuments: %v", err)
	}
	if info.NetworkDocumentCount != 2 || info.ToApplyDocumentCount != 2 {
		t.Errorf("counts = %d/%d, want 2/2", info.NetworkDocumentCount, info.ToApplyDocumentCount)
	}
	want := oplog.OpTimeWithHash{Hash: 458, OpTime: oplog.NewOpTime(789, 0, 1)}
	if !info.LastDocument.Equal(want) {
		t.Errorf("LastDocument = %s, want %s", info.LastDocument, want)
	}
}

func TestValidateDocumentsOrderingViolations(t *testing.T) {
	tests := map[string]struct {
		docs       []bson.D
		firstBatch bool
		want       oplog.Code
	}{
		"first batch anchor timestamp mismatch": {
			docs:       []bson.D{noopEntry(124, 456), noopEntry(456, 457)},
			firstBatch: true,
			want:       oplog.CodeOplogOutOfOrder,
		},
		"out of order inside first batch": {
			docs:       []bson.D{noopEntry(123, 456), noopEntry(789, 458), noopEntry(456, 457)},
			firstBatch: true,
			want:       oplog.CodeOplogOutOfOrder,
		},
		"duplicate timestamp inside batch": {
			docs:       []bson.D{noopEntry(456, 457), noopEntry(456, 458)},
			firstBatch: false,
			want:       oplog.CodeOplogOutOfOrder,
		},
		"later batch not newer than last fetched": {
			docs:       []bson.D{noopEntry(123, 456)},
			firstBatch: false,
			want:       oplog.CodeOplogOutOfOrder,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ValidateDocuments(rawEntries(t, tc.docs...), tc.firstBatch, primitive.Timestamp{T: 123})
			if got := oplog.CodeOf(err); got != tc.want {
				t.Errorf("ValidateDocuments = %v, want code %s", err, tc.want)
			}
		})
	}
}

func TestValidateDocumentsUnparsableEntry(t *testing.T) {
	docs := []bson.Raw{
		mustRaw(t, noopEntry(123, 456)),
		mustRaw(t, bson.D{{Key: "op", Value: "n"}}), // no ts
	}
	_, err := ValidateDocuments(docs, true, primitive.Timestamp{T: 123})
	if got := oplog.CodeOf(err); got != oplog.CodeMissingField {
		t.Errorf("ValidateDocuments = %v, want code %s", err, oplog.CodeMissingField)
	}
}
