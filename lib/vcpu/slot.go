// Package vcpu implements the live vCPU hotplug subsystem: the slot table
// tracking a machine's vCPUs, the request validator, and the controller that
// grows the vCPU set under a single-flight lease.
package vcpu

import "fmt"

// SlotState is the lifecycle state of a vCPU slot.
type SlotState string

const (
	// SlotReserved means the ordinal has been claimed but no execution
	// context exists yet.
	SlotReserved SlotState = "reserved"
	// SlotProvisioned means the execution context is allocated and wired
	// into interrupt routing, but not yet dispatched.
	SlotProvisioned SlotState = "provisioned"
	// SlotRunning means the execution context is attached to the scheduler
	// and eligible for dispatch.
	SlotRunning SlotState = "running"
	// SlotFailed means provisioning or dispatch failed; the slot is about
	// to be torn down.
	SlotFailed SlotState = "failed"
)

// Slot is a single vCPU position in a machine. Slots are created only by
// provisioning and destroyed only by rollback or machine teardown; there is
// no hot-unplug.
type Slot struct {
	Ordinal uint8
	State   SlotState

	exec ExecContext
}

// Exec returns the slot's execution context, nil while Reserved.
func (s *Slot) Exec() ExecContext { return s.exec }

// SlotTable is the ordered vCPU set of one machine. Capacity is fixed at
// machine creation; the length only grows over the machine's lifetime.
// The table itself is not goroutine safe: all mutation funnels through the
// Controller, which serializes access with the hotplug lease.
type SlotTable struct {
	max   uint8
	slots []*Slot
}

// NewSlotTable creates a table capped at max slots.
func NewSlotTable(max uint8) *SlotTable {
	return &SlotTable{
		max:   max,
		slots: make([]*Slot, 0, max),
	}
}

// Len returns the current number of slots.
func (t *SlotTable) Len() uint8 { return uint8(len(t.slots)) }

// Max returns the fixed capacity.
func (t *SlotTable) Max() uint8 { return t.max }

// Remaining returns how many slots can still be added.
func (t *SlotTable) Remaining() uint8 { return t.max - t.Len() }

// Append adds a slot at the next ordinal. The slot's ordinal must equal the
// current length; appending past capacity is refused.
func (t *SlotTable) Append(s *Slot) error {
	if t.Len() >= t.max {
		return fmt.Errorf("slot table full: capacity %d", t.max)
	}
	if s.Ordinal != t.Len() {
		return fmt.Errorf("slot ordinal %d out of order, want %d", s.Ordinal, t.Len())
	}
	t.slots = append(t.slots, s)
	return nil
}

// TruncateTo shrinks the table back to n slots and returns the removed ones,
// highest ordinal first. Only the rollback path uses this.
func (t *SlotTable) TruncateTo(n uint8) []*Slot {
	if n >= t.Len() {
		return nil
	}
	removed := make([]*Slot, 0, t.Len()-n)
	for i := len(t.slots) - 1; i >= int(n); i-- {
		removed = append(removed, t.slots[i])
	}
	t.slots = t.slots[:n]
	return removed
}

// Slots returns a snapshot of the table.
func (t *SlotTable) Slots() []Slot {
	out := make([]Slot, len(t.slots))
	for i, s := range t.slots {
		out[i] = *s
	}
	return out
}
