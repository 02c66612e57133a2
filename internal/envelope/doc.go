// Package envelope defines the gateway-to-gateway message envelope, its
// topic grammar and its wire codec.
//
// A record on the wire is JSON. The payload is itself JSON, zstd-compressed
// above a size threshold and optionally encrypted; content_encoding records
// which ("identity", "zstd", "zstd+aesgcm", ...). A sha256 hash of the
// payload bytes guards against truncated or mangled records.
package envelope
