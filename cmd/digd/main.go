package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dig-os/digd/internal/api"
	"github.com/dig-os/digd/internal/checkpoint"
	"github.com/dig-os/digd/internal/config"
	"github.com/dig-os/digd/internal/logger"
	"github.com/dig-os/digd/internal/metrics"
	"github.com/dig-os/digd/internal/mission"
	"github.com/dig-os/digd/internal/pid"
	"github.com/dig-os/digd/internal/policy"
	"github.com/dig-os/digd/internal/reservation"
	"github.com/dig-os/digd/internal/scheduler"
	"github.com/dig-os/digd/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")

	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer pid.Remove()

	if err := run(cfg); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	source := newSensorSource()
	collector := telemetry.NewCollector(source, 0)
	defer collector.Close()

	var history telemetry.Repository
	if cfg.Telemetry {
		var err error
		history, err = telemetry.NewRepository(cfg.Database)
		if err != nil {
			logger.Warn().Err(err).Msg("Telemetry history disabled")
		} else {
			defer history.Close()
		}
	}

	policyEngine := policy.NewEngine(policy.Config{
		ThermalLimitC:       cfg.ThermalLimitC,
		UIReservedCPUPct:    cfg.UIReservedCPUPct,
		UIReservedGPUPct:    cfg.UIReservedGPUPct,
		SmoothingWindow:     cfg.SmoothingWindow,
		ThrottleStepDivisor: cfg.ThrottleStepDivisor,
		RecoveryStepPct:     cfg.RecoveryStepPct,
		NormalBudgetPct:     cfg.NormalBudgetPct,
		MinWorkerBudgetPct:  cfg.MinWorkerBudgetPct,
		EcoStartHour:        cfg.EcoStartHour,
		EcoEndHour:          cfg.EcoEndHour,
	})

	reservations := reservation.NewManager(cfg.CgroupRoot)
	m := metrics.New()

	missionRepo, err := mission.NewRepository(cfg.Database)
	if err != nil {
		return err
	}
	defer missionRepo.Close()

	catalog, err := mission.NewCatalog(missionRepo)
	if err != nil {
		return err
	}

	checkpoints, err := checkpoint.NewStore(cfg.CheckpointDir, cfg.CheckpointKeep)
	if err != nil {
		return err
	}

	sched := scheduler.New(catalog, checkpoints, scheduler.NewTrainingEngine(), policyEngine, m, scheduler.Options{
		CheckpointMaxRetries: cfg.CheckpointMaxRetries,
		ReceiptsDir:          filepath.Join(cfg.CheckpointDir, "receipts"),
	})

	server := api.NewServer(cfg.ListenAddr, collector, policyEngine, reservations, catalog, sched, m, cfg.Debug)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return policyLoop(groupCtx, cfg, collector, policyEngine, reservations, history, m)
	})
	group.Go(func() error {
		return sched.Run(groupCtx)
	})
	group.Go(func() error {
		return server.Start(groupCtx)
	})

	err = group.Wait()

	// Leave the host with the steady-state allocation rather than whatever
	// throttle level was in force at shutdown.
	reservations.Apply(policy.State{
		Mode:             policy.ModeNormal,
		UIReservedCPUPct: cfg.UIReservedCPUPct,
		UIReservedGPUPct: cfg.UIReservedGPUPct,
		WorkerBudgetPct:  cfg.NormalBudgetPct,
	})

	logger.Info().Msg("Exiting...")

	return err
}

// policyLoop is the telemetry/policy tick: sample, evaluate, apply. It never
// blocks on mission execution or checkpoint I/O, and no failure inside it is
// fatal — sensor loss degrades to worst-case-safe policy instead.
func policyLoop(
	ctx context.Context,
	cfg *config.Config,
	collector telemetry.Collector,
	policyEngine *policy.Engine,
	reservations *reservation.Manager,
	history telemetry.Repository,
	m *metrics.Metrics,
) error {
	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sampleCtx, cancel := context.WithTimeout(ctx, interval)
			sample := collector.Sample(sampleCtx)
			cancel()

			prior := policyEngine.Current()
			state := policyEngine.Evaluate(collector.History(), time.Now())
			m.ObservePolicy(prior, state, sample.GPUTemperatureC)

			applied := reservations.Apply(state)
			if applied.Advisory {
				m.ReservationApplyFailed()
			}

			if history != nil {
				storeCtx, cancel := context.WithTimeout(ctx, interval)
				if err := history.Store(storeCtx, &sample); err != nil {
					logger.Warn().Err(err).Msg("Failed to store telemetry sample")
				}
				cancel()
			}
		}
	}
}

func newSensorSource() telemetry.SensorSource {
	source, err := telemetry.NewNVMLSource()
	if err != nil {
		logger.Warn().Err(err).Msg("NVML unavailable, using synthetic sensor source")
		return telemetry.NewSyntheticSource()
	}

	return source
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
