// Package kvm is a thin wrapper over /dev/kvm providing the execution
// context backend for the vCPU hotplug subsystem. It covers exactly what
// the monitor needs: VM and vCPU file descriptors, guest memory
// registration, the in-kernel interrupt controller, and interrupt line
// injection for the ACPI GED.
package kvm

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnavailable is returned when /dev/kvm cannot be opened or speaks
	// an unexpected API version.
	ErrUnavailable = errors.New("kvm unavailable")
)

// System wraps the /dev/kvm device descriptor.
type System struct {
	fd       int
	mmapSize int
}

// Open opens /dev/kvm and verifies the stable API version.
func Open() (*System, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %v", ErrUnavailable, err)
	}

	version, err := ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: KVM_GET_API_VERSION: %v", ErrUnavailable, err)
	}
	if version != stableAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: API version %d, want %d", ErrUnavailable, version, stableAPIVersion)
	}

	mmapSize, err := ioctl(fd, kvmGetVcpuMmapSize, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	return &System{fd: fd, mmapSize: mmapSize}, nil
}

// MaxVcpus reports the per-VM vCPU limit of the host kernel.
func (s *System) MaxVcpus() int {
	if n, err := ioctl(s.fd, kvmCheckExtension, capMaxVcpus); err == nil && n > 0 {
		return n
	}
	if n, err := ioctl(s.fd, kvmCheckExtension, capNrVcpus); err == nil && n > 0 {
		return n
	}
	// Kernel-documented fallback when the capability is absent.
	return 4
}

// Close releases the device descriptor.
func (s *System) Close() error {
	return unix.Close(s.fd)
}

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

// kvmIrqLevel mirrors struct kvm_irq_level.
type kvmIrqLevel struct {
	irq   uint32
	level uint32
}

// VM is one virtual machine: a VM descriptor, its guest memory, and the
// in-kernel interrupt controller.
type VM struct {
	fd  int
	sys *System

	mu  sync.Mutex
	mem []byte
}

// CreateVM creates a VM with an in-kernel interrupt controller. New vCPUs
// created later are automatically wired into this irqchip by the kernel,
// which is what makes hot-added vCPUs interrupt-routable without extra
// bookkeeping here.
func (s *System) CreateVM() (*VM, error) {
	fd, err := ioctl(s.fd, kvmCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}

	vm := &VM{fd: fd, sys: s}

	if n, err := ioctl(s.fd, kvmCheckExtension, capIrqchip); err != nil || n == 0 {
		vm.Close()
		return nil, fmt.Errorf("%w: in-kernel irqchip not supported", ErrUnavailable)
	}
	if _, err := ioctl(fd, kvmCreateIrqchip, 0); err != nil {
		vm.Close()
		return nil, fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err)
	}

	return vm, nil
}

// SetMemory maps size bytes of anonymous memory and registers it as guest
// physical memory starting at address 0.
func (vm *VM) SetMemory(size uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.mem != nil {
		return errors.New("guest memory already registered")
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("mmap guest memory: %w", err)
	}

	region := kvmUserspaceMemoryRegion{
		slot:          0,
		guestPhysAddr: 0,
		memorySize:    size,
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if _, err := ioctl(vm.fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		unix.Munmap(mem)
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	vm.mem = mem
	return nil
}

// Memory returns the backing slice of guest memory, nil before SetMemory.
// ACPI table construction writes through this.
func (vm *VM) Memory() []byte {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.mem
}

// InjectIrq pulses a GSI on the in-kernel interrupt controller. The ACPI
// GED notifier uses this to raise the hotplug event interrupt.
func (vm *VM) InjectIrq(line uint32, level bool) error {
	arg := kvmIrqLevel{irq: line}
	if level {
		arg.level = 1
	}
	if _, err := ioctl(vm.fd, kvmIrqLine, uintptr(unsafe.Pointer(&arg))); err != nil {
		return fmt.Errorf("KVM_IRQ_LINE %d: %w", line, err)
	}
	return nil
}

// Close releases guest memory and the VM descriptor. vCPUs must be closed
// first; their descriptors hold references to the VM.
func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.mem != nil {
		unix.Munmap(vm.mem)
		vm.mem = nil
	}
	return unix.Close(vm.fd)
}
