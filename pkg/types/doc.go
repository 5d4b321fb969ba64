/*
Package types defines the core data model shared across all hub packages.

Server is the aggregate root for per-machine state; deleting a server cascades
to its alerts, actions, credentials, host key, and operational records at the
storage layer. Times are UTC instants. Entities here are plain data; behaviour
lives in the owning packages (vault, tokens, alerting, actions, configpack).

Wire types for the agent protocol live in wire.go and carry validate tags
enforced by the heartbeat ingest boundary.
*/
package types
