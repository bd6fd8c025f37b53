package acpi

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyvmm/tinyvmm/lib/logger"
	"github.com/tinyvmm/tinyvmm/lib/vcpu"
)

// GED event status bits, matched by the _EVT method in the guest's DSDT.
const (
	// GedCpuHotplug signals that the set of present CPU devices changed.
	GedCpuHotplug uint32 = 1 << 0
)

// DefaultGedIrq is the GSI the Generic Event Device interrupts on.
const DefaultGedIrq uint32 = 9

// IrqSink injects interrupt lines into the machine's interrupt controller.
// kvm.VM satisfies this.
type IrqSink interface {
	InjectIrq(line uint32, level bool) error
}

// Ged models the ACPI Generic Event Device: a latch of pending event bits
// plus an interrupt line. Raising the interrupt is all the host does; the
// guest's GED driver reads and clears the status on its own schedule,
// discovers the CPU devices, and leaves them offline until onlined from
// inside the guest. Nothing here waits on any of that.
type Ged struct {
	irq  uint32
	sink IrqSink

	mu      sync.Mutex
	pending uint32
}

var _ vcpu.GuestNotifier = (*Ged)(nil)

// NewGed creates the device on the given interrupt line.
func NewGed(irq uint32, sink IrqSink) *Ged {
	return &Ged{irq: irq, sink: sink}
}

// Notify latches the CPU hotplug event and pulses the GED interrupt line.
// One-shot, best effort: on failure the event stays latched for the next
// guest-initiated read, but no retry is scheduled.
func (g *Ged) Notify(ctx context.Context, newTotal uint8) error {
	log := logger.FromContext(ctx)

	g.mu.Lock()
	g.pending |= GedCpuHotplug
	g.mu.Unlock()

	// Edge trigger: raise then lower.
	if err := g.sink.InjectIrq(g.irq, true); err != nil {
		return fmt.Errorf("raise ged irq: %w", err)
	}
	if err := g.sink.InjectIrq(g.irq, false); err != nil {
		return fmt.Errorf("lower ged irq: %w", err)
	}

	log.DebugContext(ctx, "ged cpu hotplug event raised", "irq", g.irq, "total_cpus", newTotal)
	return nil
}

// EventStatus returns and clears the pending event bits, emulating the
// guest's read of the GED status register.
func (g *Ged) EventStatus() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev := g.pending
	g.pending = 0
	return ev
}
