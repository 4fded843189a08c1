package replset

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ValentinKolb/repltail/lib/oplog"
)

// Well-known metadata field names attached to oplog query responses.
const (
	ReplSetMetadataFieldName    = "$replData"
	OplogQueryMetadataFieldName = "$oplogQueryData"
	ServerSelectionFieldName    = "$ssm"
	SecondaryOkFieldName        = "$secondaryOk"
)

// --------------------------------------------------------------------------
// Metadata documents
// --------------------------------------------------------------------------

// Metadata is the replica-set view a sync source attaches to a response
// under the $replData field.
type Metadata struct {
	Term            int64
	LastOpCommitted oplog.OpTime
	LastOpVisible   oplog.OpTime
	ConfigVersion   int64
	PrimaryIndex    int64
	SyncSourceIndex int64
}

// HasSyncSource reports whether the remote itself is chained to a sync
// source.
func (m Metadata) HasSyncSource() bool {
	return m.SyncSourceIndex != -1
}

// Document returns the wire form of the metadata.
func (m Metadata) Document() bson.D {
	return bson.D{
		{Key: "term", Value: m.Term},
		{Key: "lastOpCommitted", Value: m.LastOpCommitted.Document()},
		{Key: "lastOpVisible", Value: m.LastOpVisible.Document()},
		{Key: "configVersion", Value: m.ConfigVersion},
		{Key: "primaryIndex", Value: m.PrimaryIndex},
		{Key: "syncSourceIndex", Value: m.SyncSourceIndex},
	}
}

// OplogQueryMetadata is the oplog position view a sync source attaches to
// a response under the $oplogQueryData field.
type OplogQueryMetadata struct {
	LastOpCommitted oplog.OpTime
	LastOpApplied   oplog.OpTime
	RBID            int64
	PrimaryIndex    int64
	SyncSourceIndex int64
}

// HasSyncSource reports whether the remote itself is chained to a sync
// source.
func (m OplogQueryMetadata) HasSyncSource() bool {
	return m.SyncSourceIndex != -1
}

// Document returns the wire form of the metadata.
func (m OplogQueryMetadata) Document() bson.D {
	return bson.D{
		{Key: "lastOpCommitted", Value: m.LastOpCommitted.Document()},
		{Key: "lastOpApplied", Value: m.LastOpApplied.Document()},
		{Key: "rbid", Value: m.RBID},
		{Key: "primaryIndex", Value: m.PrimaryIndex},
		{Key: "syncSourceIndex", Value: m.SyncSourceIndex},
	}
}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

// DecodeMetadata extracts the replica-set and oplog-query metadata from a
// response metadata document. Absent fields yield nil results without an
// error; present but malformed fields fail with CodeMissingField.
func DecodeMetadata(doc bson.Raw) (*Metadata, *OplogQueryMetadata, error) {
	if len(doc) == 0 {
		return nil, nil, nil
	}

	var replMeta *Metadata
	if v, err := doc.LookupErr(ReplSetMetadataFieldName); err == nil {
		inner, ok := v.DocumentOK()
		if !ok {
			return nil, nil, oplog.Errorf(oplog.CodeMissingField, "%s metadata is not a document", ReplSetMetadataFieldName)
		}
		m, err := decodeReplSetMetadata(inner)
		if err != nil {
			return nil, nil, err
		}
		replMeta = m
	}

	var oqMeta *OplogQueryMetadata
	if v, err := doc.LookupErr(OplogQueryMetadataFieldName); err == nil {
		inner, ok := v.DocumentOK()
		if !ok {
			return nil, nil, oplog.Errorf(oplog.CodeMissingField, "%s metadata is not a document", OplogQueryMetadataFieldName)
		}
		m, err := decodeOplogQueryMetadata(inner)
		if err != nil {
			return nil, nil, err
		}
		oqMeta = m
	}

	return replMeta, oqMeta, nil
}

func decodeReplSetMetadata(doc bson.Raw) (*Metadata, error) {
	term, err := lookupInt64(doc, ReplSetMetadataFieldName, "term")
	if err != nil {
		return nil, err
	}
	lastCommitted, err := lookupOpTime(doc, ReplSetMetadataFieldName, "lastOpCommitted")
	if err != nil {
		return nil, err
	}
	lastVisible, err := lookupOpTime(doc, ReplSetMetadataFieldName, "lastOpVisible")
	if err != nil {
		return nil, err
	}
	configVersion, err := lookupInt64(doc, ReplSetMetadataFieldName, "configVersion")
	if err != nil {
		return nil, err
	}
	primaryIndex, err := lookupInt64(doc, ReplSetMetadataFieldName, "primaryIndex")
	if err != nil {
		return nil, err
	}
	syncSourceIndex, err := lookupInt64(doc, ReplSetMetadataFieldName, "syncSourceIndex")
	if err != nil {
		return nil, err
	}
	return &Metadata{
		Term:            term,
		LastOpCommitted: lastCommitted,
		LastOpVisible:   lastVisible,
		ConfigVersion:   configVersion,
		PrimaryIndex:    primaryIndex,
		SyncSourceIndex: syncSourceIndex,
	}, nil
}

func decodeOplogQueryMetadata(doc bson.Raw) (*OplogQueryMetadata, error) {
	lastCommitted, err := lookupOpTime(doc, OplogQueryMetadataFieldName, "lastOpCommitted")
	if err != nil {
		return nil, err
	}
	lastApplied, err := lookupOpTime(doc, OplogQueryMetadataFieldName, "lastOpApplied")
	if err != nil {
		return nil, err
	}
	rbid, err := lookupInt64(doc, OplogQueryMetadataFieldName, "rbid")
	if err != nil {
		return nil, err
	}
	primaryIndex, err := lookupInt64(doc, OplogQueryMetadataFieldName, "primaryIndex")
	if err != nil {
		return nil, err
	}
	syncSourceIndex, err := lookupInt64(doc, OplogQueryMetadataFieldName, "syncSourceIndex")
	if err != nil {
		return nil, err
	}
	return &OplogQueryMetadata{
		LastOpCommitted: lastCommitted,
		LastOpApplied:   lastApplied,
		RBID:            rbid,
		PrimaryIndex:    primaryIndex,
		SyncSourceIndex: syncSourceIndex,
	}, nil
}

// --------------------------------------------------------------------------
// Lookup helpers
// --------------------------------------------------------------------------

func lookupInt64(doc bson.Raw, meta, field string) (int64, error) {
	v, err := doc.LookupErr(field)
	if err != nil {
		return 0, oplog.Errorf(oplog.CodeMissingField, "no %q field in %s metadata", field, meta)
	}
	n, ok := v.AsInt64OK()
	if !ok {
		return 0, oplog.Errorf(oplog.CodeMissingField, "%q field in %s metadata is not a number", field, meta)
	}
	return n, nil
}

func lookupOpTime(doc bson.Raw, meta, field string) (oplog.OpTime, error) {
	v, err := doc.LookupErr(field)
	if err != nil {
		return oplog.OpTime{}, oplog.Errorf(oplog.CodeMissingField, "no %q field in %s metadata", field, meta)
	}
	inner, ok := v.DocumentOK()
	if !ok {
		return oplog.OpTime{}, oplog.Errorf(oplog.CodeMissingField, "%q field in %s metadata is not a document", field, meta)
	}
	return oplog.ParseOpTime(inner)
}
