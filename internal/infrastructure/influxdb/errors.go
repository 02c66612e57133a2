package influxdb

import "errors"

// Sentinel errors for the telemetry client. Connect fails with
// ErrDisabled or ErrConnectionFailed; the daemon treats both as "run
// without telemetry".
var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: telemetry disabled")

	// ErrConnectionFailed is returned when the server does not answer the
	// startup ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: client closed")

	// ErrPointsRejected wraps asynchronous batch write failures passed to
	// the SetOnError callback.
	ErrPointsRejected = errors.New("influxdb: telemetry points rejected")
)
