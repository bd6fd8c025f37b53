package vcpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExec is an in-memory execution context that records its lifecycle.
type fakeExec struct {
	ordinal uint8
	runErr  error

	mu      sync.Mutex
	running bool
	closed  int
}

func (f *fakeExec) Ordinal() uint8 { return f.ordinal }

func (f *fakeExec) Run() error {
	if f.runErr != nil {
		return f.runErr
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeExec) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.closed++
	return nil
}

// fakeProvisioner hands out fakeExecs and can be told to fail at a given
// ordinal or to block until released.
type fakeProvisioner struct {
	mu      sync.Mutex
	created []*fakeExec

	failAt  int // ordinal to fail at, -1 for never
	block   chan struct{}
	started chan struct{}
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{failAt: -1}
}

func (p *fakeProvisioner) Provision(ctx context.Context, ordinal uint8) (ExecContext, error) {
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.block != nil {
		<-p.block
	}
	if p.failAt >= 0 && int(ordinal) == p.failAt {
		return nil, errors.New("kvm: create vcpu: no free execution contexts")
	}
	exec := &fakeExec{ordinal: ordinal}
	p.mu.Lock()
	p.created = append(p.created, exec)
	p.mu.Unlock()
	return exec, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	err    error
	calls  int
	totals []uint8
}

func (n *fakeNotifier) Notify(ctx context.Context, newTotal uint8) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.totals = append(n.totals, newTotal)
	return n.err
}

func newController(boot uint8, prov Provisioner, notifier GuestNotifier) *Controller {
	table := NewSlotTable(MaxSupportedVcpus)
	for i := uint8(0); i < boot; i++ {
		if err := table.Append(&Slot{Ordinal: i, State: SlotRunning}); err != nil {
			panic(err)
		}
	}
	return NewController(table, prov, notifier, nil)
}

func TestAddVcpus(t *testing.T) {
	tests := []struct {
		name string
		boot uint8
		add  uint8
	}{
		{name: "single vcpu", boot: 1, add: 1},
		{name: "grow to max", boot: 1, add: 31},
		{name: "partial growth", boot: 4, add: 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := newFakeProvisioner()
			notifier := &fakeNotifier{}
			ctrl := newController(tt.boot, prov, notifier)

			res, err := ctrl.AddVcpus(context.Background(), tt.add)

			require.NoError(t, err)
			assert.Equal(t, tt.add, res.Added)
			assert.Equal(t, tt.boot+tt.add, res.NewTotal)
			assert.True(t, res.GuestNotified)
			assert.Greater(t, res.Duration, time.Duration(0))

			assert.EqualValues(t, tt.boot+tt.add, ctrl.Table().Len())

			// Exactly one notification, carrying the new total.
			assert.Equal(t, 1, notifier.calls)
			assert.Equal(t, []uint8{tt.boot + tt.add}, notifier.totals)

			// Slots were provisioned sequentially in ascending order.
			require.Len(t, prov.created, int(tt.add))
			for i, exec := range prov.created {
				assert.EqualValues(t, tt.boot+uint8(i), exec.ordinal)
				assert.True(t, exec.running)
			}
			for _, slot := range ctrl.Table().Slots() {
				assert.Equal(t, SlotRunning, slot.State)
			}
		})
	}
}

func TestBoot(t *testing.T) {
	prov := newFakeProvisioner()
	notifier := &fakeNotifier{}
	ctrl := NewController(NewSlotTable(MaxSupportedVcpus), prov, notifier, nil)

	require.NoError(t, ctrl.Boot(context.Background(), 3))

	assert.EqualValues(t, 3, ctrl.Table().Len())
	assert.Zero(t, notifier.calls, "boot must not raise hotplug events")

	// Boot slots hold their execution contexts like hot-added ones do.
	for i, slot := range ctrl.Table().Slots() {
		assert.Equal(t, SlotRunning, slot.State)
		require.NotNil(t, slot.Exec())
		assert.EqualValues(t, i, slot.Exec().Ordinal())
	}

	// A second boot on a populated table is refused.
	assert.Error(t, ctrl.Boot(context.Background(), 1))
}

func TestBootFailureLeavesTableEmpty(t *testing.T) {
	prov := newFakeProvisioner()
	prov.failAt = 2
	ctrl := NewController(NewSlotTable(MaxSupportedVcpus), prov, &fakeNotifier{}, nil)

	err := ctrl.Boot(context.Background(), 4)

	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.EqualValues(t, 2, perr.Ordinal)
	assert.EqualValues(t, 0, ctrl.Table().Len())

	require.Len(t, prov.created, 2)
	for _, exec := range prov.created {
		assert.Equal(t, 1, exec.closed)
	}
}

func TestCloseReleasesAllSlots(t *testing.T) {
	prov := newFakeProvisioner()
	ctrl := NewController(NewSlotTable(MaxSupportedVcpus), prov, &fakeNotifier{}, nil)

	require.NoError(t, ctrl.Boot(context.Background(), 2))
	_, err := ctrl.AddVcpus(context.Background(), 3)
	require.NoError(t, err)

	require.NoError(t, ctrl.Close(context.Background()))

	assert.EqualValues(t, 0, ctrl.Table().Len())
	require.Len(t, prov.created, 5)
	for _, exec := range prov.created {
		assert.Equalf(t, 1, exec.closed, "vcpu %d", exec.ordinal)
		assert.False(t, exec.running)
	}

	// Idempotent on an empty table.
	require.NoError(t, ctrl.Close(context.Background()))
}

func TestAddVcpusValidationRejection(t *testing.T) {
	prov := newFakeProvisioner()
	notifier := &fakeNotifier{}
	ctrl := newController(1, prov, notifier)

	res, err := ctrl.AddVcpus(context.Background(), 0)

	assert.Nil(t, res)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "The number of vCPUs added must be greater than 0.", err.Error())

	// Nothing was provisioned or notified, and the lease is free again.
	assert.Empty(t, prov.created)
	assert.Zero(t, notifier.calls)
	assert.EqualValues(t, 1, ctrl.Table().Len())

	_, err = ctrl.AddVcpus(context.Background(), 1)
	assert.NoError(t, err)
}

func TestAddVcpusExampleScenario(t *testing.T) {
	// Machine booted with 1 vCPU: add=31 fills it to 32, then add=32 is
	// rejected with the "less than 32" message and the total is unchanged.
	prov := newFakeProvisioner()
	notifier := &fakeNotifier{}
	ctrl := newController(1, prov, notifier)

	res, err := ctrl.AddVcpus(context.Background(), 31)
	require.NoError(t, err)
	assert.EqualValues(t, 32, res.NewTotal)

	_, err = ctrl.AddVcpus(context.Background(), 32)
	require.Error(t, err)
	assert.Equal(t, "The number of vCPUs added must be less than 32.", err.Error())
	assert.EqualValues(t, 32, ctrl.Table().Len())
}

func TestAddVcpusRollback(t *testing.T) {
	// Forced failure on the third of five requested slots: the table must
	// come back to exactly its pre-call length, not +2.
	prov := newFakeProvisioner()
	prov.failAt = 3 // boot=1, so the third new slot has ordinal 3
	notifier := &fakeNotifier{}
	ctrl := newController(1, prov, notifier)

	res, err := ctrl.AddVcpus(context.Background(), 5)

	assert.Nil(t, res)
	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.EqualValues(t, 3, perr.Ordinal)

	assert.EqualValues(t, 1, ctrl.Table().Len())
	assert.Zero(t, notifier.calls)

	// The two slots that did provision were fully released.
	require.Len(t, prov.created, 2)
	for _, exec := range prov.created {
		assert.False(t, exec.running)
		assert.Equal(t, 1, exec.closed)
	}

	// Lease released on the rollback path too.
	_, err = ctrl.AddVcpus(context.Background(), 2)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, ctrl.Table().Len())
}

func TestAddVcpusDispatchFailureRollsBack(t *testing.T) {
	prov := newFakeProvisioner()
	notifier := &fakeNotifier{}
	ctrl := NewController(NewSlotTable(MaxSupportedVcpus), &dispatchFailProvisioner{inner: prov, failAt: 2}, notifier, nil)
	require.NoError(t, ctrl.Table().Append(&Slot{Ordinal: 0, State: SlotRunning}))

	_, err := ctrl.AddVcpus(context.Background(), 3)

	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.EqualValues(t, 1, ctrl.Table().Len())
}

// dispatchFailProvisioner returns contexts whose Run fails at one ordinal.
type dispatchFailProvisioner struct {
	inner  *fakeProvisioner
	failAt uint8
}

func (p *dispatchFailProvisioner) Provision(ctx context.Context, ordinal uint8) (ExecContext, error) {
	exec, err := p.inner.Provision(ctx, ordinal)
	if err != nil {
		return nil, err
	}
	if ordinal == p.failAt {
		exec.(*fakeExec).runErr = errors.New("kvm: run: resource temporarily unavailable")
	}
	return exec, nil
}

func TestAddVcpusNotificationFailureIsPartialSuccess(t *testing.T) {
	prov := newFakeProvisioner()
	notifier := &fakeNotifier{err: errors.New("ged: interrupt line wedged")}
	ctrl := newController(1, prov, notifier)

	res, err := ctrl.AddVcpus(context.Background(), 4)

	// Slots stay provisioned; only the notified flag reports the failure.
	require.NoError(t, err)
	assert.False(t, res.GuestNotified)
	assert.EqualValues(t, 5, res.NewTotal)
	assert.EqualValues(t, 5, ctrl.Table().Len())

	var nerr *NotifyError
	require.ErrorAs(t, res.NotifyErr, &nerr)
	assert.ErrorContains(t, nerr, "interrupt line wedged")
}

func TestAddVcpusBusy(t *testing.T) {
	prov := newFakeProvisioner()
	prov.block = make(chan struct{})
	prov.started = make(chan struct{}, 1)
	notifier := &fakeNotifier{}
	ctrl := newController(1, prov, notifier)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.AddVcpus(context.Background(), 2)
		done <- err
	}()

	// Wait until the first request holds the lease inside provisioning.
	<-prov.started

	_, err := ctrl.AddVcpus(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBusy)

	close(prov.block)
	require.NoError(t, <-done)

	// One success, one busy rejection, never a corrupted table length.
	assert.EqualValues(t, 3, ctrl.Table().Len())

	// Once the lease is free the next request goes through.
	_, err = ctrl.AddVcpus(context.Background(), 1)
	assert.NoError(t, err)
}

func TestAddVcpusConcurrentRequests(t *testing.T) {
	prov := newFakeProvisioner()
	notifier := &fakeNotifier{}
	ctrl := newController(1, prov, notifier)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ctrl.AddVcpus(context.Background(), 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, busy int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require.Equal(t, workers, ok+busy)
	assert.GreaterOrEqual(t, ok, 1)
	assert.EqualValues(t, 1+ok, ctrl.Table().Len(), fmt.Sprintf("%d succeeded", ok))
}
