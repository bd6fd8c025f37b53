package machines

import (
	"context"
	"fmt"
	"runtime"

	"github.com/tinyvmm/tinyvmm/lib/acpi"
	"github.com/tinyvmm/tinyvmm/lib/guest"
	"github.com/tinyvmm/tinyvmm/lib/kvm"
	"github.com/tinyvmm/tinyvmm/lib/logger"
	"github.com/tinyvmm/tinyvmm/lib/vcpu"
)

// madtOffset is where the MADT lands in guest physical memory. The EBDA
// region below 640K, conventional for firmware tables on x86.
const madtOffset = 0x0009_FC00

// KvmBackend boots machines on /dev/kvm.
type KvmBackend struct {
	sys *kvm.System
}

var _ Backend = (*KvmBackend)(nil)

// NewKvmBackend opens /dev/kvm. Fails when the host has no usable KVM.
func NewKvmBackend() (*KvmBackend, error) {
	sys, err := kvm.Open()
	if err != nil {
		return nil, err
	}
	return &KvmBackend{sys: sys}, nil
}

// Close releases the /dev/kvm descriptor.
func (b *KvmBackend) Close() error {
	return b.sys.Close()
}

// CreateMachine builds the VM, registers guest memory, writes the MADT
// with every slot up to MaxVcpus pre-declared, and picks the guest
// notifier for the host architecture.
func (b *KvmBackend) CreateMachine(ctx context.Context, cfg Config) (*Resources, error) {
	log := logger.FromContext(ctx)

	if hostMax := b.sys.MaxVcpus(); int(cfg.MaxVcpus) > hostMax {
		return nil, fmt.Errorf("host supports %d vcpus per vm, need %d", hostMax, cfg.MaxVcpus)
	}

	vm, err := b.sys.CreateVM()
	if err != nil {
		return nil, err
	}

	if err := vm.SetMemory(cfg.Memory.Bytes()); err != nil {
		vm.Close()
		return nil, err
	}

	madt, err := acpi.NewMadt(cfg.Vcpus, cfg.MaxVcpus)
	if err != nil {
		vm.Close()
		return nil, err
	}
	if err := madt.WriteTo(vm.Memory(), madtOffset); err != nil {
		vm.Close()
		return nil, err
	}

	notifier, err := newNotifier(vm)
	if err != nil {
		vm.Close()
		return nil, err
	}

	log.DebugContext(ctx, "kvm machine prepared",
		"memory", cfg.Memory.Bytes(), "boot_vcpus", cfg.Vcpus, "max_vcpus", cfg.MaxVcpus)

	return &Resources{
		Provisioner: kvm.NewProvisioner(vm),
		Notifier:    notifier,
		Guest:       guest.NewClient(cfg.VsockCID),
		Cleanup:     vm.Close,
	}, nil
}

// newNotifier selects the hotplug notification device for the host
// architecture. Only x86-64 has the GED wiring today.
func newNotifier(vm *kvm.VM) (vcpu.GuestNotifier, error) {
	switch runtime.GOARCH {
	case "amd64":
		return acpi.NewGed(acpi.DefaultGedIrq, vm), nil
	default:
		return nil, fmt.Errorf("vcpu hotplug notification unsupported on %s", runtime.GOARCH)
	}
}
