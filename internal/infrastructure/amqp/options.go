package amqp

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultDialTimeout bounds the TCP connect.
	defaultDialTimeout = 10 * time.Second

	// defaultHeartbeat is the AMQP heartbeat interval.
	defaultHeartbeat = 60 * time.Second

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12

	// replyHeader carries broker.Message.ReplyCorrelationID, which has no
	// native AMQP property.
	replyHeader = "x-reply-correlation-id"
)

// dialURL builds the amqp(s) URL for ep.
func dialURL(cfg config.BrokerConfig, ep broker.Endpoint) string {
	scheme := "amqp"
	if ep.TLS {
		scheme = "amqps"
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		Path:   "/" + strings.TrimPrefix(cfg.VHost, "/"),
	}
	if cfg.Auth.Username != "" {
		u.User = url.UserPassword(cfg.Auth.Username, cfg.Auth.Password)
	}
	return u.String()
}

// tlsConfig returns the client TLS settings for ep, or nil for plain TCP.
func tlsConfig(ep broker.Endpoint) *tls.Config {
	if !ep.TLS {
		return nil
	}
	return &tls.Config{
		MinVersion: tlsMinVersion,
		ServerName: ep.Host,
	}
}

// toAMQPKey converts a slash separated routing key with MQTT wildcards to
// AMQP topic exchange form: "/" becomes ".", "+" becomes "*", "#" is kept.
func toAMQPKey(key string) (string, error) {
	if key == "" || strings.Contains(key, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoutingKey, key)
	}
	parts := strings.Split(key, "/")
	for i, p := range parts {
		if p == "+" {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, "."), nil
}

// fromAMQPKey reverses toAMQPKey for a concrete (wildcard free) key.
func fromAMQPKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}
