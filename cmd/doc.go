// Package cmd implements the command-line interface for repltail. It
// provides a hierarchical command structure for tailing the oplog of a
// MongoDB replica set member.
//
// The package is organized into several subpackages:
//
//   - tail: Command for connecting to a sync source and streaming its oplog
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See repltail -help for a list of all commands.
package cmd
