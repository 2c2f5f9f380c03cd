// Package cmd implements the command-line interface for the relog
// replicated commit log. It provides a hierarchical command structure for
// running a replication node.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a replication node
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See relog -help for a list of all commands.
package cmd
