// Package api defines the public types and interfaces of the botflow
// engine: flow definitions with typed node configs, execution records
// and their status machine, triggers and incoming events, append-only
// history entries, the Engine and Scheduler contracts, and the Observer
// used for logging and metrics.
//
// Most users should import the root botflow package, which re-exports
// the common types and provides engine constructors.
package api
