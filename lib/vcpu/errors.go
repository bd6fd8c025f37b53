package vcpu

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a hotplug request arrives while another one
	// holds the machine's hotplug lease. Callers retry later; the subsystem
	// never queues or retries on its own.
	ErrBusy = errors.New("a vCPU hotplug operation is already in progress")
)

// ValidationError rejects a hotplug request before any state is touched.
// The reason text is part of the API contract and is surfaced verbatim.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ProvisionError reports a slot provisioning failure. By the time it is
// returned the controller has already rolled the slot table back to its
// pre-call length.
type ProvisionError struct {
	Ordinal uint8
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision vCPU %d: %v", e.Ordinal, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// NotifyError reports a guest notification failure. Provisioned slots are
// kept; the guest just has not been told about them.
type NotifyError struct {
	Err error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("failed to notify guest of new vCPUs: %v", e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }
