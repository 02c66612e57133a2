// Package kvstore persists small configuration values in SQLite.
//
// Values are stored as JSON text in the kv_config table and cached in
// memory after first read. The gateway keeps its identity here: gateway id,
// master flag, master gateway id and the last broker endpoint that worked.
package kvstore
