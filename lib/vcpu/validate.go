package vcpu

import "fmt"

// MaxSupportedVcpus is the largest vCPU set any machine supports. The slot
// table capacity defaults to this value.
const MaxSupportedVcpus uint8 = 32

// ValidateAdd checks a requested add-count against the static and runtime
// bounds. Pure; first failure wins. The reason strings are a compatibility
// contract with tooling that pattern-matches on them, so they must not be
// reworded.
func ValidateAdd(current, add, max uint8) error {
	if add == 0 {
		return &ValidationError{Reason: "The number of vCPUs added must be greater than 0."}
	}
	if add >= max {
		return &ValidationError{Reason: fmt.Sprintf("The number of vCPUs added must be less than %d.", max)}
	}
	// The slot table capacity enforces this too; checked here so the table
	// is never touched on an oversized request.
	if uint16(current)+uint16(add) > uint16(max) {
		return &ValidationError{Reason: "would exceed maximum supported vCPU count"}
	}
	return nil
}
