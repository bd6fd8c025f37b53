package kvm

import (
	"context"
	"fmt"

	"github.com/tinyvmm/tinyvmm/lib/logger"
	"github.com/tinyvmm/tinyvmm/lib/vcpu"
)

// Provisioner allocates KVM execution contexts for hot-added vCPU slots.
type Provisioner struct {
	vm *VM
}

var _ vcpu.Provisioner = (*Provisioner)(nil)

// NewProvisioner creates a provisioner bound to a VM.
func NewProvisioner(vm *VM) *Provisioner {
	return &Provisioner{vm: vm}
}

// Provision creates the vCPU descriptor for ordinal and maps its run
// structure. Creation implicitly registers the vCPU with the VM's in-kernel
// interrupt controller.
func (p *Provisioner) Provision(ctx context.Context, ordinal uint8) (vcpu.ExecContext, error) {
	log := logger.FromContext(ctx)

	v, err := p.vm.CreateVcpu(ordinal)
	if err != nil {
		return nil, fmt.Errorf("create execution context: %w", err)
	}

	log.DebugContext(ctx, "kvm vcpu created", "ordinal", ordinal)
	return v, nil
}
