// Package device keeps the gateway's device and command registry.
//
// Every device belongs to exactly one gateway (its owner). Gateways in a
// cluster share device statuses and commands with each other, so the
// registry also holds devices owned by peers. Only the owner executes a
// command; other gateways store it for tracking.
//
// The Registry caches all rows from the SQLite repository in memory and
// keeps a short per-device status history. Changes fire hooks so the
// cluster sync layer can forward local changes to peers.
package device
