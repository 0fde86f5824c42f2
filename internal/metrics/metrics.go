package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dig-os/digd/internal/policy"
)

// Metrics exposes the daemon's operational gauges and counters.
type Metrics struct {
	registry *prometheus.Registry

	gpuTemperature      prometheus.Gauge
	smoothedTemperature prometheus.Gauge
	workerBudget        prometheus.Gauge
	policyMode          *prometheus.GaugeVec

	throttleTransitions prometheus.Counter
	missionsCompleted   prometheus.Counter
	missionsPreempted   prometheus.Counter
	missionsAborted     prometheus.Counter
	checkpointFailures  prometheus.Counter
	reservationFailures prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		gpuTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "digd_gpu_temperature_celsius",
			Help: "Latest GPU temperature reading",
		}),
		smoothedTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "digd_smoothed_temperature_celsius",
			Help: "Moving-average GPU temperature used by the policy engine",
		}),
		workerBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "digd_worker_budget_percent",
			Help: "Effective worker resource budget",
		}),
		policyMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "digd_policy_mode",
			Help: "Current policy mode (1 for the active mode)",
		}, []string{"mode"}),
		throttleTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digd_throttle_transitions_total",
			Help: "Total number of transitions into the throttled mode",
		}),
		missionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digd_missions_completed_total",
			Help: "Total number of completed missions",
		}),
		missionsPreempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digd_missions_preempted_total",
			Help: "Total number of mission preemptions",
		}),
		missionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digd_missions_aborted_total",
			Help: "Total number of aborted missions",
		}),
		checkpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digd_checkpoint_write_failures_total",
			Help: "Total number of failed checkpoint writes",
		}),
		reservationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digd_reservation_apply_failures_total",
			Help: "Total number of failed reservation applies",
		}),
	}

	registry.MustRegister(
		m.gpuTemperature, m.smoothedTemperature, m.workerBudget, m.policyMode,
		m.throttleTransitions, m.missionsCompleted, m.missionsPreempted,
		m.missionsAborted, m.checkpointFailures, m.reservationFailures,
	)

	return m
}

// ObservePolicy records the outcome of a policy tick.
func (m *Metrics) ObservePolicy(prior, next policy.State, latestTempC float64) {
	m.gpuTemperature.Set(latestTempC)
	m.smoothedTemperature.Set(next.SmoothedTempC)
	m.workerBudget.Set(float64(next.WorkerBudgetPct))

	for _, mode := range []policy.Mode{policy.ModeNormal, policy.ModeThrottled, policy.ModeEco} {
		value := 0.0
		if mode == next.Mode {
			value = 1.0
		}
		m.policyMode.WithLabelValues(mode.String()).Set(value)
	}

	if next.Mode == policy.ModeThrottled && prior.Mode != policy.ModeThrottled {
		m.throttleTransitions.Inc()
	}
}

func (m *Metrics) MissionCompleted() { m.missionsCompleted.Inc() }

func (m *Metrics) MissionPreempted() { m.missionsPreempted.Inc() }

func (m *Metrics) MissionAborted() { m.missionsAborted.Inc() }

func (m *Metrics) CheckpointWriteFailed() { m.checkpointFailures.Inc() }

func (m *Metrics) ReservationApplyFailed() { m.reservationFailures.Inc() }

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
