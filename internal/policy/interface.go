package policy

import "time"

// Mode is the daemon's operating stance. The set is closed: every reachable
// state maps to exactly one of these.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeThrottled Mode = "throttled"
	ModeEco       Mode = "eco"
)

// IsValid returns whether the mode is one of the closed set.
func (m Mode) IsValid() bool {
	switch m {
	case ModeNormal, ModeThrottled, ModeEco:
		return true
	default:
		return false
	}
}

func (m Mode) String() string {
	return string(m)
}

// State is an immutable snapshot of the governing policy. A new snapshot is
// published on every telemetry tick; readers hold a single snapshot for the
// duration of a scheduling decision and never observe partial updates.
//
// Invariant: UIReservedCPUPct + WorkerBudgetPct <= 100.
type State struct {
	Mode             Mode      `json:"mode"`
	ThermalLimitC    float64   `json:"thermal_limit_c"`
	SmoothedTempC    float64   `json:"smoothed_temp_c"`
	UIReservedCPUPct int       `json:"ui_reserved_cpu_percent"`
	UIReservedGPUPct int       `json:"ui_reserved_gpu_percent"`
	WorkerBudgetPct  int       `json:"worker_budget_percent"`
	Degraded         bool      `json:"degraded"`
	Version          uint64    `json:"version"`
	DecidedAt        time.Time `json:"decided_at"`
}

// MaxWorkerBudgetPct is the largest budget any policy state can grant. A
// mission requiring more than this can never run and is rejected at
// submission.
func (s State) MaxWorkerBudgetPct() int {
	return 100 - s.UIReservedCPUPct
}
