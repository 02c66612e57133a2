// Package cipher provides payload encryption for gateway envelopes.
//
// Keys are shared by every gateway in a fleet and configured as 64 hex
// characters (cluster.encryption_key or GRAYLOGIC_CLUSTER_ENCRYPTION_KEY).
package cipher
