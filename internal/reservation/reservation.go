package reservation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dig-os/digd/internal/errors"
	"github.com/dig-os/digd/internal/logger"
	"github.com/dig-os/digd/internal/policy"
)

const (
	uiGroup     = "dig-ui"
	workerGroup = "dig-worker"

	cgroupPeriodUs = 100_000
	defaultDirPerm = 0o755
)

// Reservation is the currently applied OS-level allocation. It is the single
// source of truth for what the shell is guaranteed.
type Reservation struct {
	ReservedCPUPct  int       `json:"reserved_cpu_percent"`
	ReservedGPUPct  int       `json:"reserved_gpu_percent"`
	WorkerBudgetPct int       `json:"worker_budget_percent"`
	Advisory        bool      `json:"advisory"`
	ActiveSince     time.Time `json:"active_since"`
}

// Manager applies policy budgets as cgroups v2 CPU limits. When the cgroup
// hierarchy is unavailable the manager degrades to advisory mode: the
// scheduler still honors the budget as a soft target.
type Manager struct {
	root     string
	mu       sync.Mutex
	active   Reservation
	applied  bool
	advisory bool
}

func NewManager(cgroupRoot string) *Manager {
	return &Manager{root: cgroupRoot}
}

// Apply enforces the policy's reservation. Applying an unchanged reservation
// is a no-op; on change the new limits are written in place so there is no
// window where neither allocation is enforced. Failure is non-fatal.
func (m *Manager) Apply(state policy.State) Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applied &&
		m.active.ReservedCPUPct == state.UIReservedCPUPct &&
		m.active.ReservedGPUPct == state.UIReservedGPUPct &&
		m.active.WorkerBudgetPct == state.WorkerBudgetPct {
		return m.active
	}

	next := Reservation{
		ReservedCPUPct:  state.UIReservedCPUPct,
		ReservedGPUPct:  state.UIReservedGPUPct,
		WorkerBudgetPct: state.WorkerBudgetPct,
		ActiveSince:     time.Now(),
	}

	if err := m.applyCgroups(next); err != nil {
		next.Advisory = true
		if !m.advisory {
			logger.Warn().Err(err).Msg("Reservation apply failed, falling back to advisory budget enforcement")
		}
		m.advisory = true
	} else {
		if m.advisory {
			logger.Info().Msg("Reservation enforcement restored")
		}
		m.advisory = false
	}

	m.active = next
	m.applied = true

	logger.Debug().
		Int("ui_cpu", next.ReservedCPUPct).
		Int("worker_budget", next.WorkerBudgetPct).
		Bool("advisory", next.Advisory).
		Msg("Reservation applied")

	return next
}

// Active returns the reservation currently in force.
func (m *Manager) Active() (Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active, m.applied
}

func (m *Manager) applyCgroups(r Reservation) error {
	errFactory := errors.New()

	uiDir := filepath.Join(m.root, uiGroup)
	workerDir := filepath.Join(m.root, workerGroup)

	for _, dir := range []string{uiDir, workerDir} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return errFactory.Wrap(errors.ErrReservationApply, err)
		}
	}

	if err := writeCPULimits(uiDir, r.ReservedCPUPct); err != nil {
		return err
	}

	return writeCPULimits(workerDir, r.WorkerBudgetPct)
}

func writeCPULimits(dir string, percent int) error {
	errFactory := errors.New()

	pct := percent
	if pct < 1 {
		pct = 1
	}
	if pct > 100 {
		pct = 100
	}

	quota := cgroupPeriodUs * pct / 100
	cpuMax := fmt.Sprintf("%d %d", quota, cgroupPeriodUs)
	cpuWeight := fmt.Sprintf("%d", (pct*9900/100)+100)

	if err := writeIfExists(filepath.Join(dir, "cpu.max"), cpuMax); err != nil {
		return errFactory.Wrap(errors.ErrReservationApply, err)
	}
	if err := writeIfExists(filepath.Join(dir, "cpu.weight"), cpuWeight); err != nil {
		return errFactory.Wrap(errors.ErrReservationApply, err)
	}

	return nil
}

func writeIfExists(path, value string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return err
	}

	return os.WriteFile(path, []byte(value), 0o644)
}
