package broker

import "errors"

// Sentinel errors for broker operations.
var (
	// ErrDuplicateResource is returned when a resource with the same natural
	// key is already registered. It indicates a caller bug and is not retried.
	ErrDuplicateResource = errors.New("broker: duplicate resource")

	// ErrInvalidResource is returned for registrations missing required fields.
	ErrInvalidResource = errors.New("broker: invalid resource")

	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("broker: not connected")

	// ErrUndeliverable marks a message or registration the transport can
	// never carry, such as an invalid routing key or an oversized payload.
	// The item is dropped instead of retried.
	ErrUndeliverable = errors.New("broker: undeliverable")

	// ErrConnectFailed wraps dial and replay failures.
	ErrConnectFailed = errors.New("broker: connect failed")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("broker: manager closed")

	// ErrDrainInProgress is returned when a drain is requested while another
	// one is running.
	ErrDrainInProgress = errors.New("broker: drain in progress")

	// ErrDuplicateCorrelation is returned when tracking an id that is
	// already pending.
	ErrDuplicateCorrelation = errors.New("broker: correlation id already tracked")

	// ErrCorrelationEvicted is delivered to a pending request pushed out of
	// the tracker by newer requests.
	ErrCorrelationEvicted = errors.New("broker: correlation evicted before reply")
)
