package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dig-os/digd/internal/checkpoint"
	"github.com/dig-os/digd/internal/errors"
	"github.com/dig-os/digd/internal/logger"
	"github.com/dig-os/digd/internal/metrics"
	"github.com/dig-os/digd/internal/mission"
	"github.com/dig-os/digd/internal/policy"
)

const (
	defaultIdlePoll        = 2 * time.Second
	defaultRetryDelay      = 500 * time.Millisecond
	defaultMaxRetries      = 5
	ecoRewardMultiplier    = 1.15
	normalRewardMultiplier = 0.92
	throttledMultiplier    = 0.85
)

// PolicySource provides the current policy snapshot. The scheduler reads one
// snapshot per decision and never observes partial updates.
type PolicySource interface {
	Current() policy.State
}

// SessionStats accumulates rewards across the daemon's lifetime.
type SessionStats struct {
	TotalRewards      float64 `json:"total_rewards"`
	TotalXP           int     `json:"total_xp"`
	CompletedMissions int     `json:"completed_missions"`
}

type Options struct {
	CheckpointMaxRetries int
	CheckpointRetryDelay time.Duration
	IdlePoll             time.Duration
	ReceiptsDir          string
}

// Scheduler drives mission execution. It pulls from the catalog, runs
// epochs through the runner, and checkpoints at every epoch boundary.
// Preemption, cancellation, deadline and budget decisions all happen at
// boundaries only, so an epoch's work is atomic.
type Scheduler struct {
	catalog     *mission.Catalog
	checkpoints *checkpoint.Store
	runner      EpochRunner
	policy      PolicySource
	metrics     *metrics.Metrics

	maxRetries  int
	retryDelay  time.Duration
	idlePoll    time.Duration
	receiptsDir string

	wake chan struct{}

	mu       sync.Mutex
	activeID string
	session  SessionStats
}

func New(catalog *mission.Catalog, store *checkpoint.Store, runner EpochRunner, source PolicySource, m *metrics.Metrics, opts Options) *Scheduler {
	if opts.CheckpointMaxRetries <= 0 {
		opts.CheckpointMaxRetries = defaultMaxRetries
	}
	if opts.CheckpointRetryDelay <= 0 {
		opts.CheckpointRetryDelay = defaultRetryDelay
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = defaultIdlePoll
	}

	return &Scheduler{
		catalog:     catalog,
		checkpoints: store,
		runner:      runner,
		policy:      source,
		metrics:     m,
		maxRetries:  opts.CheckpointMaxRetries,
		retryDelay:  opts.CheckpointRetryDelay,
		idlePoll:    opts.IdlePoll,
		receiptsDir: opts.ReceiptsDir,
		wake:        make(chan struct{}, 1),
	}
}

// Notify wakes the scheduler after a submission or policy change so a new
// scheduling decision happens promptly.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ActiveMissionID returns the id of the mission currently holding the
// execution slot, if any.
func (s *Scheduler) ActiveMissionID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeID, s.activeID != ""
}

// Session returns a copy of the accumulated session stats.
func (s *Scheduler) Session() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.session
}

// Run is the mission-execution loop. It blocks until the context is
// canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.idlePoll)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		snap := s.policy.Current()
		m, ok := s.catalog.NextRunnable(snap.WorkerBudgetPct)
		if !ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.idlePoll)

			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			case <-timer.C:
			}
			continue
		}

		s.runMission(ctx, m)
	}
}

func (s *Scheduler) runMission(ctx context.Context, m mission.Mission) {
	progress := s.restoreProgress(m)

	// A checkpoint at the final epoch means the completion transition was
	// lost (e.g. a crash after the last durable write); there is no work
	// left to run.
	if progress.Epoch >= m.TotalEpochs {
		logger.Info().
			Str("mission", m.ID).
			Int("epoch", progress.Epoch).
			Msg("Restored checkpoint already covers the final epoch")
		s.complete(m, progress)
		return
	}

	s.mu.Lock()
	s.activeID = m.ID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.activeID = ""
		s.mu.Unlock()
	}()

	logger.Info().
		Str("mission", m.ID).
		Str("title", m.Title).
		Int("value_score", m.ValueScore).
		Int("epoch", progress.Epoch).
		Int("total_epochs", m.TotalEpochs).
		Msg("Mission running")

	for {
		current, err := s.catalog.Get(m.ID)
		if err != nil {
			logger.Warn().Err(err).Str("mission", m.ID).Msg("Running mission vanished from catalog")
			return
		}

		snap := s.policy.Current()
		next, err := s.runner.RunEpoch(ctx, current, progress, rewardMultiplier(snap.Mode))
		if err != nil {
			// Shutdown mid-epoch: the last durable checkpoint already
			// covers everything completed, so just stop.
			return
		}
		progress = next

		ref, ok := s.saveCheckpoint(ctx, m.ID, progress)
		if !ok {
			return
		}
		if err := s.catalog.RecordEpoch(m.ID, progress.Epoch, string(ref)); err != nil {
			logger.Warn().Err(err).Str("mission", m.ID).Msg("Failed to record epoch")
			return
		}
		s.accumulate(progress.Accuracy)

		logger.Debug().
			Str("mission", m.ID).
			Int("epoch", progress.Epoch).
			Int("total_epochs", current.TotalEpochs).
			Float64("accuracy", progress.Accuracy).
			Float64("loss", progress.Loss).
			Msg("Epoch checkpointed")

		// Epoch boundary: everything below decides whether to continue,
		// yield, or finish. The checkpoint above is already durable.
		if progress.Epoch >= current.TotalEpochs {
			s.complete(current, progress)
			return
		}

		current, err = s.catalog.Get(m.ID)
		if err != nil {
			return
		}
		now := time.Now()
		if current.CancelRequested || current.DeadlineExceeded(now) {
			reason := "canceled"
			if current.DeadlineExceeded(now) {
				reason = "deadline_exceeded"
			}
			if _, err := s.catalog.Abort(m.ID, reason); err == nil {
				s.metrics.MissionAborted()
				logger.Info().Str("mission", m.ID).Str("reason", reason).Msg("Mission aborted at epoch boundary")
			}
			return
		}

		snap = s.policy.Current()
		if current.ResourceRequirementPct > snap.WorkerBudgetPct {
			// Preempted by policy: the budget no longer covers the
			// mission's minimum viable allocation.
			s.yield(m.ID, mission.StatePreempted, "budget")
			return
		}

		if best, found := s.catalog.BestQueuedFitting(snap.WorkerBudgetPct); found && best > current.ValueScore {
			s.yield(m.ID, mission.StateCheckpointed, "higher_value_mission")
			return
		}
	}
}

func (s *Scheduler) restoreProgress(m mission.Mission) Progress {
	cp, err := s.checkpoints.Restore(m.ID)
	if err != nil {
		if errors.CodeOf(err) != errors.ErrMissionNotFound {
			logger.Warn().Err(err).Str("mission", m.ID).Msg("Checkpoint restore failed, starting at epoch 0")
		}
		return NewProgress()
	}

	progress := NewProgress()
	if err := json.Unmarshal(cp.Payload, &progress); err != nil {
		logger.Warn().Err(err).Str("mission", m.ID).Msg("Checkpoint payload unreadable, starting at epoch 0")
		return NewProgress()
	}

	logger.Info().
		Str("mission", m.ID).
		Int("epoch", progress.Epoch).
		Msg("Restored mission from checkpoint")

	return progress
}

// saveCheckpoint retries until the write is durable. Progress loss is worse
// than delay: the boundary blocks rather than advancing unsaved.
func (s *Scheduler) saveCheckpoint(ctx context.Context, id string, p Progress) (checkpoint.Ref, bool) {
	payload, err := json.Marshal(p)
	if err != nil {
		logger.ErrorWithCode(errors.New().Wrap(errors.ErrCheckpointWriteFailed, err)).Send()
		return "", false
	}

	attempt := 0
	for {
		ref, err := s.checkpoints.Save(id, p.Epoch, payload)
		if err == nil {
			return ref, true
		}

		attempt++
		s.metrics.CheckpointWriteFailed()
		if attempt == s.maxRetries {
			logger.Warn().
				Err(err).
				Str("mission", id).
				Int("attempts", attempt).
				Msg("Checkpoint write retries exceeded bound, epoch advancement remains blocked")
		} else {
			logger.Debug().Err(err).Str("mission", id).Int("attempt", attempt).Msg("Checkpoint write failed, retrying")
		}

		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *Scheduler) yield(id string, via mission.State, reason string) {
	if _, err := s.catalog.Transition(id, via); err != nil {
		logger.Warn().Err(err).Str("mission", id).Msg("Preemption transition failed")
		return
	}
	if _, err := s.catalog.Transition(id, mission.StateQueued); err != nil {
		logger.Warn().Err(err).Str("mission", id).Msg("Requeue after preemption failed")
		return
	}

	s.metrics.MissionPreempted()
	logger.Info().Str("mission", id).Str("reason", reason).Msg("Mission preempted at epoch boundary")
}

func (s *Scheduler) complete(m mission.Mission, p Progress) {
	if _, err := s.catalog.Transition(m.ID, mission.StateCompleted); err != nil {
		logger.Warn().Err(err).Str("mission", m.ID).Msg("Completion transition failed")
		return
	}

	s.metrics.MissionCompleted()

	s.mu.Lock()
	s.session.TotalRewards += p.Reward
	s.session.TotalXP += int(p.Reward / 2)
	s.session.CompletedMissions++
	session := s.session
	s.mu.Unlock()

	logger.Info().
		Str("mission", m.ID).
		Str("title", m.Title).
		Float64("accuracy", p.Accuracy).
		Float64("payout", p.Reward).
		Float64("session_rewards", session.TotalRewards).
		Int("session_xp", session.TotalXP).
		Msg("Mission completed")

	s.writeReceipt(m, p, session)
}

// accumulate credits per-epoch experience. Rewards are credited once, at
// completion, from the receipt payout.
func (s *Scheduler) accumulate(accuracy float64) {
	xp := int(accuracy * 5)
	if xp < 1 {
		xp = 1
	}

	s.mu.Lock()
	s.session.TotalXP += xp
	s.mu.Unlock()
}

func (s *Scheduler) writeReceipt(m mission.Mission, p Progress, session SessionStats) {
	if s.receiptsDir == "" {
		return
	}

	receipt := struct {
		MissionID    string       `json:"mission_id"`
		MissionTitle string       `json:"mission_title"`
		FinishedAt   time.Time    `json:"finished_at"`
		Accuracy     float64      `json:"accuracy"`
		Loss         float64      `json:"loss"`
		Payout       float64      `json:"payout"`
		Session      SessionStats `json:"session"`
	}{
		MissionID:    m.ID,
		MissionTitle: m.Title,
		FinishedAt:   time.Now().UTC(),
		Accuracy:     p.Accuracy,
		Loss:         p.Loss,
		Payout:       p.Reward,
		Session:      session,
	}

	data, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(s.receiptsDir, 0o755); err != nil {
		logger.Warn().Err(err).Msg("Failed to create receipts directory")
		return
	}
	path := filepath.Join(s.receiptsDir, "receipt-"+m.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to write completion receipt")
	}
}

func rewardMultiplier(mode policy.Mode) float64 {
	switch mode {
	case policy.ModeEco:
		return ecoRewardMultiplier
	case policy.ModeThrottled:
		return throttledMultiplier
	default:
		return normalRewardMultiplier
	}
}
