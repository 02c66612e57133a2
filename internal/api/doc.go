// Package api serves the gateway's read-only diagnostics over HTTP.
//
// The router exposes Prometheus metrics, a health check reflecting the
// broker connection, the peer directory and the recent message logs:
//
//	GET /healthz
//	GET /metrics
//	GET /api/v1/peers
//	GET /api/v1/peers/{id}
//	GET /api/v1/messages/{direction}   (direction is "in" or "out")
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server := api.New(deps)
//	err := server.Serve(ctx) // blocks until ctx is cancelled
package api
