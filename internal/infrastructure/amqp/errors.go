package amqp

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
)

// Domain-specific errors for AMQP operations.
// Use errors.Is() to check for these errors in calling code. Errors the
// broker manager acts on wrap its sentinels.
var (
	// ErrNotConnected is returned when attempting operations on a closed session.
	ErrNotConnected = fmt.Errorf("amqp: session closed: %w", broker.ErrNotConnected)

	// ErrConnectionFailed is returned when a connection or channel cannot be opened.
	ErrConnectionFailed = errors.New("amqp: connection failed")

	// ErrDeclareFailed is returned when an exchange or queue declaration fails.
	ErrDeclareFailed = errors.New("amqp: declare failed")

	// ErrBindFailed is returned when a queue binding fails.
	ErrBindFailed = errors.New("amqp: bind failed")

	// ErrConsumeFailed is returned when a consumer cannot be started.
	ErrConsumeFailed = errors.New("amqp: consume failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("amqp: publish failed")

	// ErrInvalidRoutingKey is returned for empty keys or keys containing '.'.
	ErrInvalidRoutingKey = fmt.Errorf("amqp: invalid routing key: %w", broker.ErrUndeliverable)
)
