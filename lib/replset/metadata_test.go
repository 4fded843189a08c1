package replset

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"

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

func TestDecodeMetadataEmpty(t *testing.T) {
	replMeta, oqMeta, err := DecodeMetadata(nil)
	if err != nil {
		t.Fatalf("DecodeMetadata(nil): %v", err)
	}
	if replMeta != nil || oqMeta != nil {
		t.Error("empty input must decode to no metadata")
	}

	replMeta, oqMeta, err = DecodeMetadata(mustRaw(t, bson.D{{Key: "ok", Value: 1}}))
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if replMeta != nil || oqMeta != nil {
		t.Error("a document without metadata fields must decode to no metadata")
	}
}

func TestDecodeMetadataRoundTrip(t *testing.T) {
	repl := Metadata{
		Term:            2,
		LastOpCommitted: oplog.NewOpTime(400, 0, 2),
		LastOpVisible:   oplog.NewOpTime(450, 0, 2),
		ConfigVersion:   1,
		PrimaryIndex:    1,
		SyncSourceIndex: -1,
	}
	oq := OplogQueryMetadata{
		LastOpCommitted: oplog.NewOpTime(400, 0, 2),
		LastOpApplied:   oplog.NewOpTime(500, 0, 2),
		RBID:            7,
		PrimaryIndex:    1,
		SyncSourceIndex: 0,
	}
	raw := mustRaw(t, bson.D{
		{Key: ReplSetMetadataFieldName, Value: repl.Document()},
		{Key: OplogQueryMetadataFieldName, Value: oq.Document()},
	})

	gotRepl, gotOQ, err := DecodeMetadata(raw)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if gotRepl == nil || gotOQ == nil {
		t.Fatal("both metadata documents must decode")
	}
	if *gotRepl != repl {
		t.Errorf("repl metadata = %+v, want %+v", *gotRepl, repl)
	}
	if *gotOQ != oq {
		t.Errorf("oplog query metadata = %+v, want %+v", *gotOQ, oq)
	}
	if gotRepl.HasSyncSource() {
		t.Error("syncSourceIndex -1 must report no sync source")
	}
	if !gotOQ.HasSyncSource() {
		t.Error("syncSourceIndex 0 must report a sync source")
	}
}

func TestDecodeMetadataOnlyOneDocument(t *testing.T) {
	oq := OplogQueryMetadata{
		LastOpApplied:   oplog.NewOpTime(500, 0, 2),
		RBID:            7,
		PrimaryIndex:    -1,
		SyncSourceIndex: -1,
	}
	raw := mustRaw(t, bson.D{{Key: OplogQueryMetadataFieldName, Value: oq.Document()}})

	gotRepl, gotOQ, err := DecodeMetadata(raw)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if gotRepl != nil {
		t.Error("absent repl metadata must decode to nil")
	}
	if gotOQ == nil || gotOQ.RBID != 7 {
		t.Errorf("oplog query metadata = %+v", gotOQ)
	}
}

func TestDecodeMetadataMalformed(t *testing.T) {
	tests := map[string]bson.D{
		"repl metadata not a document": {
			{Key: ReplSetMetadataFieldName, Value: "nope"},
		},
		"repl metadata missing term": {
			{Key: ReplSetMetadataFieldName, Value: bson.D{
				{Key: "lastOpCommitted", Value: oplog.NewOpTime(400, 0, 2).Document()},
			}},
		},
		"oplog query metadata missing rbid": {
			{Key: OplogQueryMetadataFieldName, Value: bson.D{
				{Key: "lastOpCommitted", Value: oplog.NewOpTime(400, 0, 2).Document()},
				{Key: "lastOpApplied", Value: oplog.NewOpTime(500, 0, 2).Document()},
				{Key: "primaryIndex", Value: int64(1)},
				{Key: "syncSourceIndex", Value: int64(-1)},
			}},
		},
		"optime field not a document": {
			{Key: OplogQueryMetadataFieldName, Value: bson.D{
				{Key: "lastOpCommitted", Value: "nope"},
			}},
		},
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeMetadata(mustRaw(t, doc))
			if got := oplog.CodeOf(err); got != oplog.CodeMissingField {
				t.Errorf("DecodeMetadata = %v, want code %s", err, oplog.CodeMissingField)
			}
		})
	}
}
