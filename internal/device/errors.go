package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrCommandNotFound is returned when a command request id does not exist.
	ErrCommandNotFound = errors.New("device: command not found")

	// ErrCommandExists is returned when a command request id is reused.
	ErrCommandExists = errors.New("device: command already exists")

	// ErrInvalidCommand is returned when command validation fails.
	ErrInvalidCommand = errors.New("device: invalid command")
)
