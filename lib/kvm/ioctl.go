package kvm

import (
	"golang.org/x/sys/unix"
)

// KVM ioctl request numbers, from linux/kvm.h. Values are spelled out
// rather than derived through the _IO macros; they are ABI-stable.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCheckExtension      = 0xAE03
	kvmGetVcpuMmapSize     = 0xAE04
	kvmCreateVcpu          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmCreateIrqchip       = 0xAE60
	kvmIrqLine             = 0x4008AE61
	kvmRun                 = 0xAE80
)

// Capability numbers for KVM_CHECK_EXTENSION.
const (
	capIrqchip  = 0
	capNrVcpus  = 9
	capMaxVcpus = 66
)

// stableAPIVersion is the only KVM API version in existence; anything else
// means the kernel is unusable for us.
const stableAPIVersion = 12

// vCPU run-structure exit reasons we care about.
const (
	exitHlt      = 5
	exitShutdown = 8
	exitIntr     = 10
)

func ioctl(fd int, req uintptr, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
