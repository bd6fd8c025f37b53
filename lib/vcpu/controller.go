package vcpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyvmm/tinyvmm/lib/logger"
	"go.opentelemetry.io/otel/trace"
)

// Result is the outcome of a successful (or partially successful) hotplug
// call. Duration is the measured wall time of the whole operation; external
// latency instrumentation reads it from here.
type Result struct {
	Added         uint8         `json:"added"`
	NewTotal      uint8         `json:"total"`
	GuestNotified bool          `json:"guest_notified"`
	Duration      time.Duration `json:"-"`

	// NotifyErr carries the notification failure on partial success,
	// nil when GuestNotified is true.
	NotifyErr error `json:"-"`
}

// Controller orchestrates vCPU hotplug for one machine. All mutation of the
// slot table funnels through AddVcpus, which runs under a single-flight
// lease: a second request arriving while one is in flight fails fast with
// ErrBusy instead of blocking.
type Controller struct {
	lease sync.Mutex

	table    *SlotTable
	prov     Provisioner
	notifier GuestNotifier
	metrics  *Metrics
}

// NewController wires a controller around a machine's slot table. metrics
// may be nil when telemetry is disabled.
func NewController(table *SlotTable, prov Provisioner, notifier GuestNotifier, metrics *Metrics) *Controller {
	return &Controller{
		table:    table,
		prov:     prov,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Table returns the controller's slot table.
func (c *Controller) Table() *SlotTable { return c.table }

// Boot provisions the machine's initial vCPU set, ordinals 0 through n-1,
// through the same slot lifecycle as hotplug so boot slots hold their
// execution contexts and capacity is enforced uniformly. Any failure tears
// down the slots provisioned so far and leaves the table empty. No guest
// notification is raised; boot CPUs are declared to the guest by firmware
// tables instead.
func (c *Controller) Boot(ctx context.Context, n uint8) error {
	if !c.lease.TryLock() {
		return ErrBusy
	}
	defer c.lease.Unlock()

	if c.table.Len() != 0 {
		return fmt.Errorf("slot table already populated with %d slots", c.table.Len())
	}

	for ordinal := uint8(0); ordinal < n; ordinal++ {
		if err := c.provisionSlot(ctx, ordinal); err != nil {
			c.rollback(ctx, 0)
			return &ProvisionError{Ordinal: ordinal, Err: err}
		}
	}

	if c.metrics != nil {
		c.metrics.vcpusTotal.Add(ctx, int64(n))
	}
	return nil
}

// Close releases every slot's execution context, highest ordinal first, and
// empties the table. Called on machine teardown, before the hypervisor
// resources underneath the contexts are released. Blocks until any in-flight
// hotplug completes.
func (c *Controller) Close(ctx context.Context) error {
	c.lease.Lock()
	defer c.lease.Unlock()

	log := logger.FromContext(ctx)

	removed := c.table.TruncateTo(0)
	var firstErr error
	for _, slot := range removed {
		if slot.exec == nil {
			continue
		}
		if err := slot.exec.Close(); err != nil {
			log.ErrorContext(ctx, "failed to release vcpu on teardown", "ordinal", slot.Ordinal, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if c.metrics != nil && len(removed) > 0 {
		c.metrics.vcpusTotal.Add(ctx, -int64(len(removed)))
	}
	return firstErr
}

// AddVcpus grows the machine's vCPU set by add slots. The whole operation
// runs synchronously within the call: validate, provision sequentially in
// ascending ordinal order, then notify the guest once. Guest-side
// recognition of the new CPUs happens asynchronously afterward and is not
// awaited.
//
// Any provisioning failure rolls the slot table back to its pre-call length
// before returning. A notification failure is non-fatal: the slots stay and
// the result reports GuestNotified false.
func (c *Controller) AddVcpus(ctx context.Context, add uint8) (*Result, error) {
	start := time.Now()
	log := logger.FromContext(ctx)

	if !c.lease.TryLock() {
		log.WarnContext(ctx, "vcpu hotplug rejected, lease held", "add", add)
		c.record(ctx, start, "busy")
		return nil, ErrBusy
	}
	defer c.lease.Unlock()

	if c.metrics != nil && c.metrics.tracer != nil {
		var span trace.Span
		ctx, span = c.metrics.tracer.Start(ctx, "AddVcpus")
		defer span.End()
	}

	current := c.table.Len()

	if err := ValidateAdd(current, add, c.table.Max()); err != nil {
		log.WarnContext(ctx, "vcpu hotplug rejected", "add", add, "current", current, "reason", err)
		c.record(ctx, start, "rejected")
		return nil, err
	}

	log.InfoContext(ctx, "hotplugging vcpus", "add", add, "current", current)

	for ordinal := current; ordinal < current+add; ordinal++ {
		if err := c.provisionSlot(ctx, ordinal); err != nil {
			c.rollback(ctx, current)
			c.record(ctx, start, "rolled_back")
			return nil, &ProvisionError{Ordinal: ordinal, Err: err}
		}
	}

	res := &Result{
		Added:    add,
		NewTotal: c.table.Len(),
	}

	// One-shot, best effort. The slots are committed either way; a guest
	// that missed the event can still pick the CPUs up via rescan.
	status := "success"
	if err := c.notifier.Notify(ctx, res.NewTotal); err != nil {
		res.NotifyErr = &NotifyError{Err: err}
		log.WarnContext(ctx, "guest hotplug notification failed", "total", res.NewTotal, "error", res.NotifyErr)
		if c.metrics != nil {
			c.metrics.notifyFailures.Add(ctx, 1)
		}
		res.GuestNotified = false
		status = "partial"
	} else {
		res.GuestNotified = true
	}

	res.Duration = time.Since(start)
	c.record(ctx, start, status)
	if c.metrics != nil {
		c.metrics.vcpusTotal.Add(ctx, int64(add))
	}

	log.InfoContext(ctx, "vcpu hotplug complete",
		"added", res.Added, "total", res.NewTotal,
		"guest_notified", res.GuestNotified, "duration", res.Duration)

	return res, nil
}

// provisionSlot creates and dispatches one slot, walking it through the
// Reserved -> Provisioned -> Running lifecycle.
func (c *Controller) provisionSlot(ctx context.Context, ordinal uint8) error {
	log := logger.FromContext(ctx)

	slot := &Slot{Ordinal: ordinal, State: SlotReserved}

	exec, err := c.prov.Provision(ctx, ordinal)
	if err != nil {
		log.ErrorContext(ctx, "vcpu provisioning failed", "ordinal", ordinal, "error", err)
		return err
	}

	slot.exec = exec
	slot.State = SlotProvisioned

	if err := exec.Run(); err != nil {
		log.ErrorContext(ctx, "vcpu dispatch failed", "ordinal", ordinal, "error", err)
		slot.State = SlotFailed
		// Not in the table yet; release directly.
		if cerr := exec.Close(); cerr != nil {
			log.ErrorContext(ctx, "failed to release vcpu after dispatch failure", "ordinal", ordinal, "error", cerr)
		}
		return err
	}

	slot.State = SlotRunning

	return c.table.Append(slot)
}

// rollback tears down every slot provisioned in this call, highest ordinal
// first, restoring the table to its pre-call length.
func (c *Controller) rollback(ctx context.Context, prior uint8) {
	log := logger.FromContext(ctx)

	removed := c.table.TruncateTo(prior)
	for _, slot := range removed {
		slot.State = SlotFailed
		if slot.exec == nil {
			continue
		}
		if err := slot.exec.Close(); err != nil {
			log.ErrorContext(ctx, "rollback: failed to release vcpu", "ordinal", slot.Ordinal, "error", err)
		}
	}

	log.WarnContext(ctx, "vcpu hotplug rolled back", "restored_total", prior, "released", len(removed))
}

func (c *Controller) record(ctx context.Context, start time.Time, status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.recordDuration(ctx, start, status)
}
