// Package amqp provides the AMQP 0-9-1 transport for the broker manager,
// for gateways whose fleet broker is RabbitMQ rather than Mosquitto.
//
// Each Session owns one connection and one channel with the configured
// prefetch. Routing keys are written slash separated with MQTT wildcards
// throughout the gateway and translated here ("/" to ".", "+" to "*").
//
// AMQP has no Last Will, so the offline announcement relies on the broker
// manager publishing it during Close.
package amqp
