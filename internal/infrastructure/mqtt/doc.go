// Package mqtt provides the MQTT transport for the broker manager.
//
// This package manages:
//   - One paho connection per Session, dialled by Dialer
//   - Bindings expressed as topic filter subscriptions
//   - A small binary frame carrying message properties, since MQTT 3.1.1
//     has none
//   - Last Will and Testament for unclean disconnects
//
// # Architecture
//
// Reconnection is owned by broker.Manager, so paho's auto-reconnect is
// disabled. A lost connection closes the Session; the manager dials a new
// one and replays its registrations onto it.
//
//	broker.Manager ─ Dialer.Dial ─▶ Session ─▶ Mosquitto (master gateway)
//
// # Security Considerations
//
//   - TLS is used whenever the selected endpoint says so
//   - Payload confidentiality beyond TLS is the envelope codec's job
//
// # Usage
//
//	dialer := mqtt.NewDialer(cfg.Broker, selector.Resolve)
//	dialer.SetWill(syncer.OfflineMessage)
//	mgr := broker.New(dialer, broker.DefaultOptions())
package mqtt
