// Package mosquitto hosts the fleet's MQTT broker on a master gateway.
//
// The master renders a mosquitto.conf from the daemon config (plain, TLS
// and websocket listeners), then supervises the broker with the process
// package: restart on failure, a /proc state check and a TCP probe of the
// plain listener. Slaves never start it; they connect to the master's
// broker through endpoint selection.
//
// Config changes are applied with Reload, which rewrites the file and
// sends SIGHUP only when the rendered content differs.
package mosquitto
