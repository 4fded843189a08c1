// Package replset models the replica-set view a fetch session operates
// under: the immutable set configuration (membership, protocol version,
// election timeout) and the replication metadata documents a sync source
// attaches to its responses ($replData and $oplogQueryData).
//
// A Config must be initialized via Initialize before it is handed to a
// fetch session; construction from an uninitialized config is rejected.
package replset
