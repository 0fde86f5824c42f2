package policy

import (
	"math"
	"sync"
	"time"

	"github.com/dig-os/digd/internal/logger"
	"github.com/dig-os/digd/internal/telemetry"
)

// Temperature headroom below the thermal limit required before the engine
// grants the eco budget ceiling.
const ecoHeadroomC = 10.0

type Config struct {
	ThermalLimitC    float64
	UIReservedCPUPct int
	UIReservedGPUPct int

	SmoothingWindow     int
	ThrottleStepDivisor int
	RecoveryStepPct     int
	NormalBudgetPct     int
	MinWorkerBudgetPct  int
	EcoStartHour        int
	EcoEndHour          int
}

// Engine is the sole authority on throttle decisions. It owns the policy
// state exclusively; all other components read published snapshots.
type Engine struct {
	cfg      Config
	mu       sync.RWMutex
	current  State
	override Mode
	version  uint64
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{cfg: cfg}
	e.current = State{
		Mode:             ModeNormal,
		ThermalLimitC:    cfg.ThermalLimitC,
		UIReservedCPUPct: cfg.UIReservedCPUPct,
		UIReservedGPUPct: cfg.UIReservedGPUPct,
		WorkerBudgetPct:  cfg.NormalBudgetPct,
		Version:          0,
		DecidedAt:        time.Now(),
	}

	return e
}

// Evaluate derives the next policy state from the recent sample history and
// publishes it as a new snapshot. Called once per telemetry tick; it never
// fails — invalid sensor input lands in the throttled branch.
func (e *Engine) Evaluate(history []telemetry.Sample, now time.Time) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	smoothed, degraded := e.smoothedTemperature(history)
	next := decide(e.cfg, e.current, e.override, smoothed, degraded, now)

	e.version++
	next.Version = e.version
	next.DecidedAt = now

	if next.Mode != e.current.Mode {
		logger.Info().
			Str("from", e.current.Mode.String()).
			Str("to", next.Mode.String()).
			Float64("smoothed_temp", smoothed).
			Int("worker_budget", next.WorkerBudgetPct).
			Msg("Policy mode changed")
	}

	e.current = next

	return next
}

// Current returns the latest published snapshot.
func (e *Engine) Current() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.current
}

// SetOverride requests a manual mode. The override is an additional input to
// Evaluate, never a bypass: thermal throttling still wins.
func (e *Engine) SetOverride(mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.override = mode
}

func (e *Engine) ClearOverride() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.override = ""
}

// smoothedTemperature averages the last N samples. Unreadable or invalid
// temperatures count as the thermal limit so a run of bad readings always
// pushes the average into the throttled branch.
func (e *Engine) smoothedTemperature(history []telemetry.Sample) (smoothed float64, degraded bool) {
	window := e.cfg.SmoothingWindow
	if len(history) == 0 {
		return e.cfg.ThermalLimitC, true
	}
	if len(history) < window {
		window = len(history)
	}

	recent := history[len(history)-window:]
	sum := 0.0
	for _, sample := range recent {
		temp := sample.GPUTemperatureC
		if sample.Degraded || math.IsNaN(temp) || temp < 0 {
			temp = e.cfg.ThermalLimitC
			degraded = true
		}
		sum += temp
	}

	return sum / float64(window), degraded
}

// decide is the pure policy function. It is total: every input combination
// maps to a valid state, and the UI reservation floors are never reduced.
func decide(cfg Config, prior State, override Mode, smoothed float64, degraded bool, now time.Time) State {
	next := State{
		ThermalLimitC:    cfg.ThermalLimitC,
		SmoothedTempC:    smoothed,
		UIReservedCPUPct: cfg.UIReservedCPUPct,
		UIReservedGPUPct: cfg.UIReservedGPUPct,
		Degraded:         degraded,
	}

	maxBudget := 100 - cfg.UIReservedCPUPct
	clampBudget := func(budget int) int {
		if budget < cfg.MinWorkerBudgetPct {
			return cfg.MinWorkerBudgetPct
		}
		if budget > maxBudget {
			return maxBudget
		}

		return budget
	}

	switch {
	case smoothed >= cfg.ThermalLimitC:
		// Thermal ceiling governs unconditionally. The budget halves (or
		// whatever the configured divisor yields) but never reaches zero:
		// checkpoint writes must stay schedulable.
		next.Mode = ModeThrottled
		next.WorkerBudgetPct = clampBudget(prior.WorkerBudgetPct / cfg.ThrottleStepDivisor)

	case wantsEco(cfg, override, now) && smoothed <= cfg.ThermalLimitC-ecoHeadroomC:
		next.Mode = ModeEco
		next.WorkerBudgetPct = clampBudget(prior.WorkerBudgetPct + cfg.RecoveryStepPct)

	default:
		// Recover toward the steady-state budget by a bounded step. The
		// budget never jumps straight from throttled to full, which keeps
		// the loop from oscillating across the thermal limit.
		next.Mode = ModeNormal
		next.WorkerBudgetPct = clampBudget(stepToward(prior.WorkerBudgetPct, cfg.NormalBudgetPct, cfg.RecoveryStepPct))
	}

	return next
}

func wantsEco(cfg Config, override Mode, now time.Time) bool {
	if override == ModeEco {
		return true
	}
	if override == ModeNormal {
		return false
	}

	return inEcoWindow(now.Hour(), cfg.EcoStartHour, cfg.EcoEndHour)
}

// inEcoWindow handles windows that wrap past midnight, e.g. 22 to 6.
func inEcoWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}

	return hour >= start || hour < end
}

func stepToward(current, target, step int) int {
	switch {
	case current < target:
		if current+step > target {
			return target
		}
		return current + step
	case current > target:
		if current-step < target {
			return target
		}
		return current - step
	default:
		return current
	}
}
