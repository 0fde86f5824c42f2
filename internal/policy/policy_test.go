package policy_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dig-os/digd/internal/policy"
	"github.com/dig-os/digd/internal/telemetry"
)

func testConfig() policy.Config {
	return policy.Config{
		ThermalLimitC:       85.0,
		UIReservedCPUPct:    5,
		UIReservedGPUPct:    5,
		SmoothingWindow:     5,
		ThrottleStepDivisor: 2,
		RecoveryStepPct:     5,
		NormalBudgetPct:     80,
		MinWorkerBudgetPct:  10,
		EcoStartHour:        22,
		EcoEndHour:          6,
	}
}

// noon is well outside the eco window.
var noon = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func samplesAt(temps ...float64) []telemetry.Sample {
	out := make([]telemetry.Sample, 0, len(temps))
	base := time.Now()
	for i, temp := range temps {
		out = append(out, telemetry.Sample{
			Timestamp:       base.Add(time.Duration(i) * time.Second),
			GPUTemperatureC: temp,
		})
	}

	return out
}

func TestEvaluateNormal(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	state := engine.Evaluate(samplesAt(60, 61, 62, 61, 60), noon)

	assert.Equal(t, policy.ModeNormal, state.Mode)
	assert.Equal(t, 80, state.WorkerBudgetPct)
	assert.False(t, state.Degraded)
	assert.InDelta(t, 60.8, state.SmoothedTempC, 0.001)
}

func TestThrottleWithinOneTick(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	// One evaluation with the smoothed temperature at the limit must already
	// reduce the budget.
	state := engine.Evaluate(samplesAt(85, 86, 87, 88, 89), noon)

	assert.Equal(t, policy.ModeThrottled, state.Mode)
	assert.Equal(t, 40, state.WorkerBudgetPct, "budget must halve on the first hot tick")
}

func TestThrottleRespectsMinimumBudget(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	// Keep throttling until the budget stops moving.
	var state policy.State
	for range 10 {
		state = engine.Evaluate(samplesAt(90, 90, 90, 90, 90), noon)
	}

	assert.Equal(t, policy.ModeThrottled, state.Mode)
	assert.Equal(t, 10, state.WorkerBudgetPct, "budget never drops below the configured floor")
}

func TestUIReservationFloorNeverReduced(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	histories := [][]telemetry.Sample{
		samplesAt(60, 60, 60, 60, 60),
		samplesAt(95, 95, 95, 95, 95),
		samplesAt(math.NaN(), -5, 200, 60, 60),
		nil,
	}

	for _, history := range histories {
		state := engine.Evaluate(history, noon)
		assert.Equal(t, 5, state.UIReservedCPUPct)
		assert.Equal(t, 5, state.UIReservedGPUPct)
		assert.LessOrEqual(t, state.UIReservedCPUPct+state.WorkerBudgetPct, 100,
			"shell reservation plus worker budget must fit within 100")
	}
}

func TestRampScenario(t *testing.T) {
	// Temperature ramps from 70 to past the limit over consecutive ticks:
	// once the smoothed average crosses the limit the budget must decrease
	// strictly on each subsequent hot tick until it bottoms out.
	engine := policy.NewEngine(testConfig())

	temps := []float64{70, 74, 78, 82, 86, 90, 92, 94, 95, 95}
	var history []telemetry.Sample
	prior := engine.Current().WorkerBudgetPct
	throttling := false

	for _, temp := range temps {
		history = append(history, telemetry.Sample{Timestamp: time.Now(), GPUTemperatureC: temp})
		state := engine.Evaluate(history, noon)

		if state.Mode == policy.ModeThrottled {
			throttling = true
			if prior > 10 {
				assert.Less(t, state.WorkerBudgetPct, prior,
					"budget must strictly decrease while throttled, temp %.0f", temp)
			}
		}
		prior = state.WorkerBudgetPct
	}

	require.True(t, throttling, "ramp past the limit must reach the throttled mode")
	assert.Equal(t, policy.ModeThrottled, engine.Current().Mode)
}

func TestRecoveryIsGradual(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	// Throttle down to the floor, then cool off.
	for range 5 {
		engine.Evaluate(samplesAt(90, 90, 90, 90, 90), noon)
	}
	require.Equal(t, 10, engine.Current().WorkerBudgetPct)

	state := engine.Evaluate(samplesAt(60, 60, 60, 60, 60), noon)
	assert.Equal(t, policy.ModeNormal, state.Mode)
	assert.Equal(t, 15, state.WorkerBudgetPct, "recovery must step, not jump, toward the normal budget")

	for range 20 {
		state = engine.Evaluate(samplesAt(60, 60, 60, 60, 60), noon)
	}
	assert.Equal(t, 80, state.WorkerBudgetPct, "recovery settles at the normal budget")
}

func TestDegradedSamplesCountAsLimit(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	// A run of unreadable sensors must land in the throttled branch even
	// though no valid temperature was ever observed.
	history := samplesAt(0, 0, 0, 0, 0)
	for i := range history {
		history[i].Degraded = true
	}

	state := engine.Evaluate(history, noon)
	assert.Equal(t, policy.ModeThrottled, state.Mode)
	assert.True(t, state.Degraded)
	assert.InDelta(t, 85.0, state.SmoothedTempC, 0.001)
}

func TestInvalidTemperaturesClampToLimit(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	state := engine.Evaluate(samplesAt(math.NaN(), -1, math.NaN(), -273, math.NaN()), noon)

	assert.Equal(t, policy.ModeThrottled, state.Mode)
	assert.True(t, state.Degraded)
}

func TestEmptyHistoryThrottles(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	state := engine.Evaluate(nil, noon)

	assert.Equal(t, policy.ModeThrottled, state.Mode)
	assert.True(t, state.Degraded)
}

func TestEcoWindow(t *testing.T) {
	engine := policy.NewEngine(testConfig())
	night := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)

	state := engine.Evaluate(samplesAt(60, 60, 60, 60, 60), night)

	assert.Equal(t, policy.ModeEco, state.Mode)
	assert.Equal(t, 85, state.WorkerBudgetPct, "eco raises the budget up to the reservation ceiling")
}

func TestEcoWindowWrapsMidnight(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	cases := []struct {
		hour    int
		wantEco bool
	}{
		{21, false},
		{22, true},
		{23, true},
		{0, true},
		{5, true},
		{6, false},
		{12, false},
	}

	for _, tc := range cases {
		at := time.Date(2026, 8, 31, tc.hour, 30, 0, 0, time.UTC)
		state := engine.Evaluate(samplesAt(60, 60, 60, 60, 60), at)
		if tc.wantEco {
			assert.Equal(t, policy.ModeEco, state.Mode, "hour %d should be eco", tc.hour)
		} else {
			assert.NotEqual(t, policy.ModeEco, state.Mode, "hour %d should not be eco", tc.hour)
		}
	}
}

func TestEcoRequiresThermalHeadroom(t *testing.T) {
	engine := policy.NewEngine(testConfig())
	night := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)

	// 80C leaves less than 10C headroom below the 85C limit: no eco.
	state := engine.Evaluate(samplesAt(80, 80, 80, 80, 80), night)

	assert.Equal(t, policy.ModeNormal, state.Mode)
}

func TestOverrideNeverBypassesThermalCeiling(t *testing.T) {
	engine := policy.NewEngine(testConfig())
	engine.SetOverride(policy.ModeNormal)

	state := engine.Evaluate(samplesAt(90, 90, 90, 90, 90), noon)

	assert.Equal(t, policy.ModeThrottled, state.Mode, "thermal throttling wins over any override")
}

func TestOverrideEcoDuringDay(t *testing.T) {
	engine := policy.NewEngine(testConfig())
	engine.SetOverride(policy.ModeEco)

	state := engine.Evaluate(samplesAt(60, 60, 60, 60, 60), noon)
	assert.Equal(t, policy.ModeEco, state.Mode)

	engine.ClearOverride()
	state = engine.Evaluate(samplesAt(60, 60, 60, 60, 60), noon)
	assert.Equal(t, policy.ModeNormal, state.Mode)
}

func TestOverrideNormalSuppressesEcoWindow(t *testing.T) {
	engine := policy.NewEngine(testConfig())
	engine.SetOverride(policy.ModeNormal)
	night := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)

	state := engine.Evaluate(samplesAt(60, 60, 60, 60, 60), night)

	assert.Equal(t, policy.ModeNormal, state.Mode)
}

func TestVersionsIncrease(t *testing.T) {
	engine := policy.NewEngine(testConfig())

	first := engine.Evaluate(samplesAt(60, 60, 60, 60, 60), noon)
	second := engine.Evaluate(samplesAt(60, 60, 60, 60, 60), noon)

	assert.Greater(t, second.Version, first.Version)
	assert.Equal(t, second, engine.Current())
}

func TestSmoothingUsesWindow(t *testing.T) {
	cfg := testConfig()
	cfg.SmoothingWindow = 3
	engine := policy.NewEngine(cfg)

	// Only the last three samples count: (84+85+86)/3 = 85 >= limit.
	state := engine.Evaluate(samplesAt(20, 20, 84, 85, 86), noon)

	assert.Equal(t, policy.ModeThrottled, state.Mode)
	assert.InDelta(t, 85.0, state.SmoothedTempC, 0.001)
}
