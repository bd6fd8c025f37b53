package kvm

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Vcpu is one KVM vCPU: its descriptor and the shared run structure mapped
// from the kernel.
type Vcpu struct {
	ordinal uint8
	fd      int
	run     []byte

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
	tid     int
	closed  bool
}

// CreateVcpu creates the vCPU with the given ordinal. The kernel wires the
// new vCPU into the VM's irqchip; creation plus the irqchip attach is the
// whole "registration" a hot-added CPU needs on the host side.
func (vm *VM) CreateVcpu(ordinal uint8) (*Vcpu, error) {
	fd, err := ioctl(vm.fd, kvmCreateVcpu, uintptr(ordinal))
	if err != nil {
		return nil, fmt.Errorf("KVM_CREATE_VCPU %d: %w", ordinal, err)
	}

	run, err := unix.Mmap(fd, 0, vm.sys.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap vcpu %d run structure: %w", ordinal, err)
	}

	return &Vcpu{ordinal: ordinal, fd: fd, run: run}, nil
}

// Ordinal returns the vCPU index.
func (v *Vcpu) Ordinal() uint8 { return v.ordinal }

// exitReason reads exit_reason from the shared run structure.
func (v *Vcpu) exitReason() uint32 {
	// struct kvm_run: request_interrupt_window, immediate_exit,
	// padding[6], then exit_reason.
	return binary.LittleEndian.Uint32(v.run[8:12])
}

// Run starts the vCPU dispatch loop on a dedicated OS thread. The loop
// re-enters the guest until Close is called or the guest shuts the CPU
// down. Hot-added vCPUs sit halted here until the guest onlines them.
func (v *Vcpu) Run() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("vcpu %d already released", v.ordinal)
	}
	if v.stop != nil {
		return fmt.Errorf("vcpu %d already running", v.ordinal)
	}

	v.stop = make(chan struct{})
	v.stopped = make(chan struct{})

	go v.loop(v.stop, v.stopped)

	return nil
}

func (v *Vcpu) loop(stop, stopped chan struct{}) {
	// KVM requires all KVM_RUN calls for a vCPU to come from one thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(stopped)

	v.mu.Lock()
	v.tid = unix.Gettid()
	v.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, err := ioctl(v.fd, kvmRun, 0)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return
		}

		switch v.exitReason() {
		case exitHlt, exitIntr:
			// Guest idling or interrupted entry; go back in.
		case exitShutdown:
			return
		default:
			// Unhandled exits (IO, MMIO) are device-model territory;
			// nothing for the hotplug path to do with them here.
		}
	}
}

// Close stops the dispatch loop and releases the descriptor and run
// mapping. Idempotent, and valid on a vCPU that never ran, so the hotplug
// rollback path can always call it.
func (v *Vcpu) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	stop, stopped, tid := v.stop, v.stopped, v.tid
	v.mu.Unlock()

	if stop != nil {
		close(stop)
		// Kick the dispatch thread out of KVM_RUN if it is sitting in
		// the guest; SIGURG is already handled by the Go runtime, so the
		// ioctl just comes back with EINTR.
		if tid != 0 {
			unix.Tgkill(unix.Getpid(), tid, unix.SIGURG)
		}
		<-stopped
	}

	if v.run != nil {
		unix.Munmap(v.run)
		v.run = nil
	}
	return unix.Close(v.fd)
}
