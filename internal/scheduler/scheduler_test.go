package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dig-os/digd/internal/checkpoint"
	"github.com/dig-os/digd/internal/metrics"
	"github.com/dig-os/digd/internal/mission"
	"github.com/dig-os/digd/internal/policy"
)

type fakePolicy struct {
	mu    sync.Mutex
	state policy.State
}

func newFakePolicy(budget int) *fakePolicy {
	return &fakePolicy{state: policy.State{
		Mode:             policy.ModeNormal,
		UIReservedCPUPct: 5,
		WorkerBudgetPct:  budget,
	}}
}

func (f *fakePolicy) Current() policy.State {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

func (f *fakePolicy) setBudget(budget int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state.WorkerBudgetPct = budget
}

type epochRecord struct {
	missionID string
	epoch     int
}

// fakeRunner completes epochs instantly and lets a test hook observe each
// boundary from inside the run.
type fakeRunner struct {
	mu   sync.Mutex
	runs []epochRecord
	hook func(m mission.Mission, p Progress)
}

func (f *fakeRunner) RunEpoch(ctx context.Context, m mission.Mission, p Progress, multiplier float64) (Progress, error) {
	next := p
	next.Epoch = p.Epoch + 1
	next.Accuracy = 0.5
	next.Loss = 0.5
	next.Reward = float64(m.ValueScore) * multiplier

	f.mu.Lock()
	f.runs = append(f.runs, epochRecord{missionID: m.ID, epoch: next.Epoch})
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(m, next)
	}

	return next, ctx.Err()
}

func (f *fakeRunner) recorded() []epochRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]epochRecord, len(f.runs))
	copy(out, f.runs)

	return out
}

type fixture struct {
	sched   *Scheduler
	catalog *mission.Catalog
	store   *checkpoint.Store
	root    string
	runner  *fakeRunner
	policy  *fakePolicy
}

func newFixture(t *testing.T, budget int, opts Options) *fixture {
	t.Helper()

	catalog, err := mission.NewCatalog(nil)
	require.NoError(t, err)

	root := t.TempDir()
	store, err := checkpoint.NewStore(root, 3)
	require.NoError(t, err)

	runner := &fakeRunner{}
	source := newFakePolicy(budget)

	if opts.IdlePoll <= 0 {
		opts.IdlePoll = 10 * time.Millisecond
	}
	if opts.CheckpointRetryDelay <= 0 {
		opts.CheckpointRetryDelay = 10 * time.Millisecond
	}

	sched := New(catalog, store, runner, source, metrics.New(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &fixture{
		sched:   sched,
		catalog: catalog,
		store:   store,
		root:    root,
		runner:  runner,
		policy:  source,
	}
}

func submitMission(t *testing.T, f *fixture, id string, value, requirement, epochs int) {
	t.Helper()

	_, err := f.catalog.Submit(mission.Mission{
		ID:                     id,
		Title:                  id,
		ValueScore:             value,
		ResourceRequirementPct: requirement,
		TotalEpochs:            epochs,
	}, 95)
	require.NoError(t, err)
	f.sched.Notify()
}

func waitForState(t *testing.T, f *fixture, id string, want mission.State) mission.Mission {
	t.Helper()

	var got mission.Mission
	require.Eventually(t, func() bool {
		m, err := f.catalog.Get(id)
		if err != nil {
			return false
		}
		got = m
		return m.State == want
	}, 5*time.Second, 5*time.Millisecond, "mission %s never reached state %s", id, want)

	return got
}

func TestMissionRunsToCompletion(t *testing.T) {
	f := newFixture(t, 80, Options{})

	submitMission(t, f, "m", 10, 30, 3)

	got := waitForState(t, f, "m", mission.StateCompleted)
	assert.Equal(t, 3, got.CurrentEpoch)
	assert.NotEmpty(t, got.LastCheckpointRef)

	// Every epoch was checkpointed before being recorded.
	cp, err := f.store.Restore("m")
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Epoch)

	session := f.sched.Session()
	assert.Equal(t, 1, session.CompletedMissions)
	assert.Positive(t, session.TotalRewards)
	assert.Positive(t, session.TotalXP)
}

func TestHigherValueMissionPreempts(t *testing.T) {
	f := newFixture(t, 80, Options{})

	var once sync.Once
	f.runner.hook = func(m mission.Mission, p Progress) {
		// At A's third epoch boundary a more valuable mission arrives.
		if m.ID == "A" && p.Epoch == 3 {
			once.Do(func() {
				submitMission(t, f, "B", 50, 30, 2)
			})
		}
	}

	submitMission(t, f, "A", 10, 30, 6)

	waitForState(t, f, "B", mission.StateCompleted)
	waitForState(t, f, "A", mission.StateCompleted)

	var sequence []string
	for _, r := range f.runner.recorded() {
		sequence = append(sequence, r.missionID)
	}
	assert.Equal(t, []string{"A", "A", "A", "B", "B", "A", "A", "A"}, sequence,
		"A yields at the boundary after B arrives and resumes from its checkpoint")

	// A's resumed epochs continue from the checkpoint, not from zero.
	records := f.runner.recorded()
	assert.Equal(t, 4, records[5].epoch)
}

func TestBudgetDropPreemptsAtBoundary(t *testing.T) {
	f := newFixture(t, 80, Options{})

	var once sync.Once
	f.runner.hook = func(m mission.Mission, p Progress) {
		if p.Epoch == 2 {
			once.Do(func() { f.policy.setBudget(10) })
		}
	}

	submitMission(t, f, "m", 10, 30, 10)

	got := waitForState(t, f, "m", mission.StateQueued)
	assert.Equal(t, 2, got.CurrentEpoch, "the epoch in flight completes before the mission yields")

	// The budget never recovers, so the mission stays queued.
	time.Sleep(50 * time.Millisecond)
	m, err := f.catalog.Get("m")
	require.NoError(t, err)
	assert.Equal(t, mission.StateQueued, m.State)
}

func TestCheckpointFailureBlocksEpochAdvancement(t *testing.T) {
	f := newFixture(t, 80, Options{CheckpointMaxRetries: 2})

	// A regular file where the mission's checkpoint directory should go
	// makes every save fail until it is removed.
	blocker := filepath.Join(f.root, "m")
	require.NoError(t, os.WriteFile(blocker, []byte("in the way"), 0o644))

	submitMission(t, f, "m", 10, 30, 2)

	// The scheduler keeps retrying; the epoch is never recorded.
	time.Sleep(100 * time.Millisecond)
	m, err := f.catalog.Get("m")
	require.NoError(t, err)
	assert.Equal(t, mission.StateRunning, m.State)
	assert.Equal(t, 0, m.CurrentEpoch, "an epoch must not be recorded until its checkpoint is durable")

	// Once the store recovers the mission finishes.
	require.NoError(t, os.Remove(blocker))
	waitForState(t, f, "m", mission.StateCompleted)
}

func TestCancelObservedAtBoundary(t *testing.T) {
	f := newFixture(t, 80, Options{})

	var once sync.Once
	f.runner.hook = func(m mission.Mission, p Progress) {
		if p.Epoch == 2 {
			once.Do(func() {
				_, err := f.catalog.RequestCancel(m.ID)
				require.NoError(t, err)
			})
		}
	}

	submitMission(t, f, "m", 10, 30, 10)

	got := waitForState(t, f, "m", mission.StateAborted)
	assert.Equal(t, "canceled", got.AbortReason)
	assert.Equal(t, 2, got.CurrentEpoch)
}

func TestDeadlineAbortsAtBoundary(t *testing.T) {
	f := newFixture(t, 80, Options{})

	past := time.Now().Add(-time.Minute)
	_, err := f.catalog.Submit(mission.Mission{
		ID:                     "late",
		ValueScore:             10,
		ResourceRequirementPct: 30,
		TotalEpochs:            10,
		Deadline:               &past,
	}, 95)
	require.NoError(t, err)
	f.sched.Notify()

	got := waitForState(t, f, "late", mission.StateAborted)
	assert.Equal(t, "deadline_exceeded", got.AbortReason)
	assert.GreaterOrEqual(t, got.CurrentEpoch, 1, "the epoch in flight completes and checkpoints first")
}

func TestResumesFromPriorCheckpoint(t *testing.T) {
	f := newFixture(t, 80, Options{})

	payload, err := json.Marshal(Progress{Epoch: 3, Accuracy: 0.7, Loss: 0.2})
	require.NoError(t, err)
	_, err = f.store.Save("m", 3, payload)
	require.NoError(t, err)

	submitMission(t, f, "m", 10, 30, 5)

	waitForState(t, f, "m", mission.StateCompleted)

	records := f.runner.recorded()
	require.NotEmpty(t, records)
	assert.Equal(t, 4, records[0].epoch, "execution resumes at the epoch after the checkpoint")
	assert.Len(t, records, 2)
}

func TestResumeAtFinalEpochCompletes(t *testing.T) {
	f := newFixture(t, 80, Options{})

	// A crash between the final epoch's durable write and the completion
	// transition leaves a checkpoint at epoch == TotalEpochs behind.
	payload, err := json.Marshal(Progress{Epoch: 2, Accuracy: 0.8, Loss: 0.1, Reward: 16})
	require.NoError(t, err)
	_, err = f.store.Save("m", 2, payload)
	require.NoError(t, err)

	submitMission(t, f, "m", 10, 30, 2)

	waitForState(t, f, "m", mission.StateCompleted)
	assert.Empty(t, f.runner.recorded(), "no epochs run past the final checkpoint")

	session := f.sched.Session()
	assert.Equal(t, 1, session.CompletedMissions)
	assert.InDelta(t, 16.0, session.TotalRewards, 0.001)
}

func TestSessionRewardsCountPayoutOnce(t *testing.T) {
	f := newFixture(t, 80, Options{})

	submitMission(t, f, "m", 10, 30, 3)
	waitForState(t, f, "m", mission.StateCompleted)

	session := f.sched.Session()
	assert.InDelta(t, 10*normalRewardMultiplier, session.TotalRewards, 0.001,
		"session rewards equal the completion payout")
}

func TestWritesCompletionReceipt(t *testing.T) {
	receipts := t.TempDir()
	f := newFixture(t, 80, Options{ReceiptsDir: receipts})

	submitMission(t, f, "m", 10, 30, 2)
	waitForState(t, f, "m", mission.StateCompleted)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(receipts, "receipt-m.json"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(receipts, "receipt-m.json"))
	require.NoError(t, err)

	var receipt struct {
		MissionID string  `json:"mission_id"`
		Payout    float64 `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(data, &receipt))
	assert.Equal(t, "m", receipt.MissionID)
	assert.Positive(t, receipt.Payout)
}

func TestTrainingEngineProgression(t *testing.T) {
	engine := &trainingEngine{
		epochDelay: func(int) time.Duration { return 0 },
		sleep:      func(context.Context, time.Duration) {},
	}

	m := mission.Mission{ID: "m", Domain: "medical", ValueScore: 40, TotalEpochs: 10}
	p := NewProgress()

	for range 10 {
		next, err := engine.RunEpoch(context.Background(), m, p, 1.0)
		require.NoError(t, err)

		assert.Equal(t, p.Epoch+1, next.Epoch)
		assert.Greater(t, next.Accuracy, p.Accuracy)
		assert.LessOrEqual(t, next.Loss, p.Loss)
		p = next
	}

	assert.LessOrEqual(t, p.Accuracy, 0.995)
	// Medical missions have the highest difficulty, so the loss floor is
	// 0.02 + 0.9*0.05.
	assert.GreaterOrEqual(t, p.Loss, 0.065-0.0001)
}

func TestRewardMultiplierByMode(t *testing.T) {
	assert.InDelta(t, 1.15, rewardMultiplier(policy.ModeEco), 0.001)
	assert.InDelta(t, 0.92, rewardMultiplier(policy.ModeNormal), 0.001)
	assert.InDelta(t, 0.85, rewardMultiplier(policy.ModeThrottled), 0.001)
}
