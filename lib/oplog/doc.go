// Package oplog defines the shared data model for the operation log:
// logical positions (OpTime, OpTimeWithHash), the codec for extracting
// positions from raw oplog documents, and the error taxonomy used by
// the fetching pipeline.
//
// Key Features:
//   - Total ordering of oplog positions by (timestamp, term)
//   - BSON-backed entry codec with strict field validation
//   - Code-based error classification (see Error and Code)
//
// All types in this package are immutable value types and safe to use
// concurrently.
package oplog
