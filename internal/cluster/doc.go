// Package cluster keeps a fleet of gateways in sync over the message
// broker.
//
// Every gateway consumes the topics addressed to itself, to "all" and to
// "cluster". Inbound envelopes pass echo suppression and a destination
// check, then dispatch by component type:
//
//   - lib: a fixed table (atoms, states, device_status, device_command,
//     device_command_status, notification, gateway presence)
//   - module: handlers registered by name with RegisterModule
//   - system: ping
//
// Presence: after every connect the gateway announces "online", waits
// AnnounceDelay, pushes a full snapshot to "all" and only then starts
// forwarding local changes. When a peer comes online it gets a snapshot
// addressed to it alone, after a random delay. "offline" arrives either
// from a clean shutdown or as the broker-published last will.
//
// Peers are pinged periodically; the round trip and clock offset are
// derived from the four timestamps of each exchange.
//
// Slaves locate the master's broker with a Selector, which probes local
// plain, local TLS and remote TLS endpoints in that order.
package cluster
