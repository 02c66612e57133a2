package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds publish and subscribe acknowledgements.
	defaultOperationTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// maxPayloadSize prevents resource exhaustion and aligns with typical broker limits.
	maxPayloadSize = 1 << 20

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// clientID returns the configured client id, or a random one.
func clientID(cfg config.BrokerConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return "graylogic-gw-" + uuid.NewString()[:8]
}

// buildClientOptions creates paho options for one session.
//
// Paho's own reconnect is disabled: the broker manager owns reconnection
// and replays subscriptions itself.
func buildClientOptions(cfg config.BrokerConfig, ep broker.Endpoint, id string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if ep.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, ep.Host, ep.Port))
	opts.SetClientID(id)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetOrderMatters(false)

	if ep.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
			ServerName: ep.Host,
		})
	}

	return opts
}

// configureWill sets the Last Will and Testament, published by the broker
// if the session drops without a clean disconnect. The will is not retained.
func configureWill(opts *pahomqtt.ClientOptions, will broker.Message, qos byte) error {
	payload, err := encodeFrame(will)
	if err != nil {
		return fmt.Errorf("encoding will: %w", err)
	}
	opts.SetBinaryWill(will.RoutingKey, payload, qos, false)
	return nil
}
