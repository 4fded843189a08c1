package oplog

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Well-known field names of an oplog entry document.
const (
	fieldTimestamp = "ts"
	fieldTerm      = "t"
	fieldHash      = "h"
	fieldOperation = "op"
	fieldNamespace = "ns"
)

// Entry is the decoded view of a single oplog document. The raw document
// is retained because the fetch pipeline forwards entries downstream
// unmodified.
type Entry struct {
	OpTime    OpTime
	Hash      int64
	Operation string
	Namespace string
	Raw       bson.Raw
}

// ParseOpTime extracts the (timestamp, term) pair from a raw oplog entry.
// A missing or mistyped "ts" field fails with CodeMissingField. The term
// field is optional; entries written under protocol version 0 carry none
// and decode to UninitializedTerm.
func ParseOpTime(doc bson.Raw) (OpTime, error) {
	v, err := doc.LookupErr(fieldTimestamp)
	if err != nil {
		return OpTime{}, Errorf(CodeMissingField, "no %q field in oplog entry: %s", fieldTimestamp, doc)
	}
	t, i, ok := v.TimestampOK()
	if !ok {
		return OpTime{}, Errorf(CodeMissingField, "%q field in oplog entry is not a timestamp: %s", fieldTimestamp, doc)
	}

	term := UninitializedTerm
	if tv, err := doc.LookupErr(fieldTerm); err == nil {
		n, ok := tv.AsInt64OK()
		if !ok {
			return OpTime{}, Errorf(CodeMissingField, "%q field in oplog entry is not a number: %s", fieldTerm, doc)
		}
		term = n
	}

	return NewOpTime(t, i, term), nil
}

// ParseOpTimeWithHash extracts the position and chain hash from a raw
// oplog entry. A missing or mistyped "h" field fails with
// CodeMissingField.
func ParseOpTimeWithHash(doc bson.Raw) (OpTimeWithHash, error) {
	opTime, err := ParseOpTime(doc)
	if err != nil {
		return OpTimeWithHash{}, err
	}
	v, err := doc.LookupErr(fieldHash)
	if err != nil {
		return OpTimeWithHash{}, Errorf(CodeMissingField, "no %q field in oplog entry: %s", fieldHash, doc)
	}
	hash, ok := v.AsInt64OK()
	if !ok {
		return OpTimeWithHash{}, Errorf(CodeMissingField, "%q field in oplog entry is not a number: %s", fieldHash, doc)
	}
	return OpTimeWithHash{Hash: hash, OpTime: opTime}, nil
}

// ParseEntry decodes the full entry view. Operation type and namespace
// are optional and default to empty strings; position and hash are
// mandatory.
func ParseEntry(doc bson.Raw) (Entry, error) {
	owh, err := ParseOpTimeWithHash(doc)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		OpTime: owh.OpTime,
		Hash:   owh.Hash,
		Raw:    doc,
	}
	if v, err := doc.LookupErr(fieldOperation); err == nil {
		entry.Operation, _ = v.StringValueOK()
	}
	if v, err := doc.LookupErr(fieldNamespace); err == nil {
		entry.Namespace, _ = v.StringValueOK()
	}
	return entry, nil
}
