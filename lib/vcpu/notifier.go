package vcpu

import "context"

// GuestNotifier signals the guest kernel that newly added CPU devices exist.
// Implementations are platform specific (ACPI GED on x86_64) and selected at
// machine construction time. Delivery is fire-and-forget: the guest
// discovers the devices on its own schedule and leaves them offline until
// something in the guest onlines them.
type GuestNotifier interface {
	Notify(ctx context.Context, newTotal uint8) error
}
