// Package broker manages a single logical connection to a message broker.
//
// A Manager owns the connection lifecycle and survives broker restarts. It
// handles:
//   - Jittered exponential backoff with a random startup offset
//   - A registry of exchanges, queues, bindings and subscriptions that is
//     replayed in dependency order after every (re)connect
//   - A six-lane priority queue so registrations always precede messages
//   - Request/reply correlation with bounded, insertion-ordered eviction
//   - A last-will publish on orderly shutdown
//
// Transports implement Session and Dialer; see the amqp and mqtt packages
// under internal/infrastructure.
//
// Example usage:
//
//	mgr := broker.New(dialer, broker.DefaultOptions())
//	mgr.SetLogger(log)
//	_ = mgr.RegisterExchange(broker.ExchangeParams{Name: "ybo_gw", Type: "topic", Durable: true}, true)
//	_ = mgr.RegisterQueue(broker.QueueParams{Name: "ybo_gw.gw1"}, true)
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Close(context.Background())
package broker
