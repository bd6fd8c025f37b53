package vcpu

import "context"

// ExecContext is a live vCPU execution context bound to the underlying
// virtualization primitive.
type ExecContext interface {
	// Ordinal returns the vCPU index this context was created for.
	Ordinal() uint8

	// Run attaches the context to the hypervisor scheduler and starts its
	// dispatch loop.
	Run() error

	// Close stops the dispatch loop and fully releases the execution
	// context and any interrupt routing entries. Safe to call more than
	// once and safe to call on a context that never ran, so rollback can
	// always use it.
	Close() error
}

// Provisioner allocates execution contexts for new vCPU slots.
type Provisioner interface {
	Provision(ctx context.Context, ordinal uint8) (ExecContext, error)
}
