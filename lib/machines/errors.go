package machines

import "errors"

var (
	// ErrNotFound is returned when a machine does not exist
	ErrNotFound = errors.New("machine not found")

	// ErrAlreadyExists is returned when a machine name is already taken
	ErrAlreadyExists = errors.New("machine already exists")

	// ErrInvalidConfig is returned when a create request is malformed
	ErrInvalidConfig = errors.New("invalid machine configuration")

	// ErrNoGuestAgent is returned when a machine has no guest agent channel
	ErrNoGuestAgent = errors.New("guest agent not available")
)
