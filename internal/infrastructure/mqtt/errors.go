package mqtt

import (
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
)

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code. Errors the
// broker manager acts on wrap its sentinels.
var (
	// ErrNotConnected is returned when attempting operations on a closed session.
	ErrNotConnected = fmt.Errorf("mqtt: %w", broker.ErrNotConnected)

	// ErrConnectionFailed is returned when a connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty or invalid topic is provided.
	ErrInvalidTopic = fmt.Errorf("mqtt: topic cannot be empty: %w", broker.ErrUndeliverable)

	// ErrPayloadTooLarge is returned when a framed message exceeds maxPayloadSize.
	ErrPayloadTooLarge = fmt.Errorf("mqtt: payload too large: %w", broker.ErrUndeliverable)

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrBadFrame is returned when an inbound payload is not a valid frame.
	ErrBadFrame = errors.New("mqtt: malformed frame")
)
