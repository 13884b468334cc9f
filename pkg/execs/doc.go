// Package execs runs external commands as defined by configuration.
//
// It provides the execution primitive for the restart package: runtime
// restart commands, and any pre or post restart hooks. Command environments
// are constructed from an allowlist plus explicit env and envFrom sources,
// never inherited wholesale from the daemon process.
package execs
