package machines

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/nrednav/cuid2"
	"github.com/samber/lo"
	"github.com/tinyvmm/tinyvmm/lib/guest"
	"github.com/tinyvmm/tinyvmm/lib/logger"
	"github.com/tinyvmm/tinyvmm/lib/vcpu"
)

// DefaultMemory is used when a create request does not specify a size.
const DefaultMemory = 128 * datasize.MB

var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// CreateRequest describes a machine to boot.
type CreateRequest struct {
	Name   string `json:"name"`
	Vcpus  uint8  `json:"vcpus"`
	Memory string `json:"memory,omitempty"`
}

// Manager handles machine lifecycle and is the single entry point for vCPU
// hotplug.
type Manager interface {
	CreateMachine(ctx context.Context, req CreateRequest) (*Machine, error)
	GetMachine(ctx context.Context, id string) (*Machine, error)
	ListMachines(ctx context.Context) ([]*Machine, error)
	DeleteMachine(ctx context.Context, id string) error

	// AddVcpus hotplugs vCPUs into a running machine. The call is
	// synchronous; guest-side recognition is not.
	AddVcpus(ctx context.Context, id string, add uint8) (*vcpu.Result, error)

	// GuestCPUState polls the machine's guest agent for the guest-visible
	// CPU set (eventually consistent after a hotplug).
	GuestCPUState(ctx context.Context, id string) (*guest.CPUState, error)
}

type manager struct {
	dataDir  string
	maxVcpus uint8
	backend  Backend
	metrics  *vcpu.Metrics

	mu       sync.RWMutex
	machines map[string]*Machine
}

// NewManager creates a machine manager. maxVcpus caps every machine's slot
// table; zero or anything above the platform limit falls back to
// vcpu.MaxSupportedVcpus. metrics may be nil when telemetry is disabled.
func NewManager(dataDir string, maxVcpus uint8, backend Backend, metrics *vcpu.Metrics) Manager {
	if maxVcpus == 0 || maxVcpus > vcpu.MaxSupportedVcpus {
		maxVcpus = vcpu.MaxSupportedVcpus
	}
	return &manager{
		dataDir:  dataDir,
		maxVcpus: maxVcpus,
		backend:  backend,
		metrics:  metrics,
		machines: make(map[string]*Machine),
	}
}

func (m *manager) CreateMachine(ctx context.Context, req CreateRequest) (*Machine, error) {
	log := logger.FromContext(ctx)

	cfg, err := m.resolveConfig(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.machines {
		if existing.Name == cfg.Name {
			return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, cfg.Name)
		}
	}

	log.InfoContext(ctx, "creating machine",
		"name", cfg.Name, "vcpus", cfg.Vcpus, "max_vcpus", cfg.MaxVcpus, "memory", cfg.Memory.HumanReadable())

	res, err := m.backend.CreateMachine(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create machine resources: %w", err)
	}

	table := vcpu.NewSlotTable(cfg.MaxVcpus)
	ctrl := vcpu.NewController(table, res.Provisioner, res.Notifier, m.metrics)

	if err := ctrl.Boot(ctx, cfg.Vcpus); err != nil {
		if res.Cleanup != nil {
			if cerr := res.Cleanup(); cerr != nil {
				log.ErrorContext(ctx, "cleanup after failed boot", "error", cerr)
			}
		}
		return nil, fmt.Errorf("boot vcpus: %w", err)
	}

	mach := &Machine{
		ID:        cuid2.Generate(),
		Name:      cfg.Name,
		CreatedAt: time.Now().UTC(),
		Memory:    cfg.Memory,
		VsockCID:  cfg.VsockCID,
		ctrl:      ctrl,
		guestc:    res.Guest,
		cleanup:   res.Cleanup,
	}

	if err := m.saveMetadata(mach); err != nil {
		log.WarnContext(ctx, "failed to persist machine metadata", "id", mach.ID, "error", err)
	}

	m.machines[mach.ID] = mach

	log.InfoContext(ctx, "machine created", "id", mach.ID, "name", mach.Name, "vcpus", mach.Vcpus())
	return mach, nil
}

func (m *manager) resolveConfig(req CreateRequest) (Config, error) {
	if !nameRe.MatchString(req.Name) {
		return Config{}, fmt.Errorf("%w: invalid name %q", ErrInvalidConfig, req.Name)
	}

	vcpus := req.Vcpus
	if vcpus == 0 {
		vcpus = 1
	}
	if vcpus > m.maxVcpus {
		return Config{}, fmt.Errorf("%w: %d vcpus exceeds the supported maximum of %d",
			ErrInvalidConfig, vcpus, m.maxVcpus)
	}

	mem := DefaultMemory
	if req.Memory != "" {
		parsed, err := datasize.ParseString(req.Memory)
		if err != nil {
			return Config{}, fmt.Errorf("%w: memory %q: %v", ErrInvalidConfig, req.Memory, err)
		}
		mem = parsed
	}

	return Config{
		Name:     req.Name,
		Vcpus:    vcpus,
		MaxVcpus: m.maxVcpus,
		Memory:   mem,
		VsockCID: nextCID(),
	}, nil
}

var cidCounter uint32 = 2 // CIDs 0-2 are reserved by the vsock spec
var cidMu sync.Mutex

func nextCID() uint32 {
	cidMu.Lock()
	defer cidMu.Unlock()
	cidCounter++
	return cidCounter
}

func (m *manager) GetMachine(ctx context.Context, id string) (*Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mach, ok := m.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return mach, nil
}

func (m *manager) ListMachines(ctx context.Context) ([]*Machine, error) {
	m.mu.RLock()
	machines := lo.Values(m.machines)
	m.mu.RUnlock()

	sort.Slice(machines, func(i, j int) bool {
		return machines[i].CreatedAt.Before(machines[j].CreatedAt)
	})
	return machines, nil
}

func (m *manager) DeleteMachine(ctx context.Context, id string) error {
	log := logger.FromContext(ctx)

	m.mu.Lock()
	mach, ok := m.machines[id]
	if ok {
		delete(m.machines, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// Execution contexts hold references into the hypervisor resources, so
	// they are released first, then the backend's cleanup.
	if err := mach.ctrl.Close(ctx); err != nil {
		log.ErrorContext(ctx, "failed to release vcpus", "id", id, "error", err)
	}

	if mach.cleanup != nil {
		if err := mach.cleanup(); err != nil {
			log.ErrorContext(ctx, "machine cleanup failed", "id", id, "error", err)
			return fmt.Errorf("teardown machine %s: %w", id, err)
		}
	}

	if err := os.RemoveAll(m.machineDir(id)); err != nil {
		log.WarnContext(ctx, "failed to remove machine metadata", "id", id, "error", err)
	}

	log.InfoContext(ctx, "machine deleted", "id", id)
	return nil
}

func (m *manager) AddVcpus(ctx context.Context, id string, add uint8) (*vcpu.Result, error) {
	log := logger.FromContext(ctx)

	mach, err := m.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}

	res, err := mach.ctrl.AddVcpus(ctx, add)
	if err != nil {
		return nil, err
	}

	if err := m.saveMetadata(mach); err != nil {
		log.WarnContext(ctx, "failed to persist machine metadata after hotplug", "id", id, "error", err)
	}
	return res, nil
}

func (m *manager) GuestCPUState(ctx context.Context, id string) (*guest.CPUState, error) {
	mach, err := m.GetMachine(ctx, id)
	if err != nil {
		return nil, err
	}
	if mach.guestc == nil {
		return nil, fmt.Errorf("%w: machine %s", ErrNoGuestAgent, id)
	}
	return mach.guestc.CPUState(ctx)
}

// metadata is the on-disk record of a machine, for inspection and tooling.
// Machines are live hypervisor state and do not survive a daemon restart;
// the metadata does, so leftovers are attributable.
type metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Vcpus     uint8     `json:"vcpus"`
	MaxVcpus  uint8     `json:"max_vcpus"`
	Memory    uint64    `json:"memory_bytes"`
	VsockCID  uint32    `json:"vsock_cid"`
	CreatedAt time.Time `json:"created_at"`
}

func (m *manager) machineDir(id string) string {
	return filepath.Join(m.dataDir, "machines", id)
}

func (m *manager) saveMetadata(mach *Machine) error {
	dir := m.machineDir(mach.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	meta := metadata{
		ID:        mach.ID,
		Name:      mach.Name,
		Vcpus:     mach.Vcpus(),
		MaxVcpus:  mach.MaxVcpus(),
		Memory:    mach.Memory.Bytes(),
		VsockCID:  mach.VsockCID,
		CreatedAt: mach.CreatedAt,
	}

	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, ".machine.json.tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "machine.json"))
}
