// Package machines owns the machine aggregate: one running microVM, its
// vCPU slot table and hotplug controller, and the manager that the API
// layer drives.
package machines

import (
	"context"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/tinyvmm/tinyvmm/lib/guest"
	"github.com/tinyvmm/tinyvmm/lib/vcpu"
)

// Config is the resolved configuration a machine boots with.
type Config struct {
	Name     string
	Vcpus    uint8
	MaxVcpus uint8
	Memory   datasize.ByteSize
	VsockCID uint32
}

// Resources is everything a backend provisions for one machine.
type Resources struct {
	// Provisioner allocates execution contexts for vCPU slots, boot-time
	// and hot-added alike.
	Provisioner vcpu.Provisioner

	// Notifier delivers hotplug events to the guest. Platform specific;
	// chosen by the backend at construction time.
	Notifier vcpu.GuestNotifier

	// Guest is the agent channel for guest-visible state, nil when the
	// machine has no vsock device.
	Guest *guest.Client

	// Cleanup releases everything above. Called on teardown and on boot
	// failure.
	Cleanup func() error
}

// Backend creates the hypervisor-level resources machines run on. The KVM
// backend is the real one; tests substitute fakes.
type Backend interface {
	CreateMachine(ctx context.Context, cfg Config) (*Resources, error)
}

// Machine is one running microVM.
type Machine struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Memory    datasize.ByteSize
	VsockCID  uint32

	ctrl    *vcpu.Controller
	guestc  *guest.Client
	cleanup func() error
}

// Vcpus returns the current vCPU count.
func (m *Machine) Vcpus() uint8 { return m.ctrl.Table().Len() }

// MaxVcpus returns the machine's fixed vCPU capacity.
func (m *Machine) MaxVcpus() uint8 { return m.ctrl.Table().Max() }

// Slots returns a snapshot of the machine's vCPU slot table.
func (m *Machine) Slots() []vcpu.Slot { return m.ctrl.Table().Slots() }
