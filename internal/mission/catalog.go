package mission

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dig-os/digd/internal/errors"
	"github.com/dig-os/digd/internal/logger"
)

// Catalog owns the set of mission records and their state transitions. It is
// the single shared mutable structure between submitters and the scheduler;
// every mutation happens under one lock so a mission is never concurrently
// in two states.
type Catalog struct {
	mu       sync.Mutex
	missions map[string]*Mission
	queue    *priorityQueue
	repo     Repository
}

// NewCatalog creates a catalog, recovering any non-terminal missions from
// the repository. Missions that were running when the daemon stopped are
// requeued; the scheduler resumes them from their last confirmed checkpoint.
func NewCatalog(repo Repository) (*Catalog, error) {
	c := &Catalog{
		missions: make(map[string]*Mission),
		queue:    newPriorityQueue(),
		repo:     repo,
	}

	if repo == nil {
		return c, nil
	}

	recovered, err := repo.LoadAll()
	if err != nil {
		return nil, err
	}

	for _, m := range recovered {
		mm := m
		if !mm.State.Terminal() {
			mm.State = StateQueued
			c.queue.push(&mm)
		}
		c.missions[mm.ID] = &mm
	}

	if len(recovered) > 0 {
		logger.Info().Int("missions", len(recovered)).Msg("Mission catalog recovered from snapshot")
	}

	return c, nil
}

// Submit validates and enqueues a mission. A mission whose requirement
// exceeds the maximum attainable budget can never run: it is recorded as
// aborted and the submitter gets a resource_unsatisfiable error. The queue
// is untouched in that case.
func (c *Catalog) Submit(m Mission, maxBudgetPct int) (Mission, error) {
	errFactory := errors.New()

	if m.ValueScore < 0 || m.TotalEpochs <= 0 {
		return Mission{}, errFactory.WithMessage(ErrInvalidMission,
			"value score must be non-negative and total epochs positive")
	}
	if m.ResourceRequirementPct <= 0 {
		return Mission{}, errFactory.WithMessage(ErrInvalidMission,
			"resource requirement must be positive")
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.State = StateQueued
	m.CurrentEpoch = 0
	m.SubmittedAt = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.missions[m.ID]; exists {
		return Mission{}, errFactory.WithData(ErrDuplicateID, m.ID)
	}

	if m.ResourceRequirementPct > maxBudgetPct {
		m.State = StateAborted
		m.AbortReason = string(ErrUnsatisfiable)
		c.missions[m.ID] = &m
		c.persist(&m)

		return m, errFactory.WithData(ErrUnsatisfiable, struct {
			Required int
			Maximum  int
		}{m.ResourceRequirementPct, maxBudgetPct})
	}

	c.missions[m.ID] = &m
	c.queue.push(&m)
	c.persist(&m)

	return m, nil
}

// NextRunnable pops the highest-value queued mission fitting the budget and
// transitions it to Running.
func (c *Catalog) NextRunnable(budgetPct int) (Mission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.queue.popFitting(func(id string) bool {
		m, found := c.missions[id]
		return found && m.ResourceRequirementPct <= budgetPct
	})
	if !ok {
		return Mission{}, false
	}

	m := c.missions[id]
	m.State = StateRunning
	c.persist(m)

	return *m, true
}

// BestQueuedFitting returns the value score of the highest-value queued
// mission that fits the budget, for preemption decisions.
func (c *Catalog) BestQueuedFitting(budgetPct int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	for _, entry := range c.queue.heap {
		m, found := c.missions[entry.id]
		if !found || m.ResourceRequirementPct > budgetPct {
			continue
		}
		if entry.valueScore > best {
			best = entry.valueScore
		}
	}

	if best < 0 {
		return 0, false
	}

	return best, true
}

// Transition moves a mission between states, enforcing the state machine.
// Transitions into Queued re-enter the priority queue preserving the
// mission's current epoch.
func (c *Catalog) Transition(id string, to State) (Mission, error) {
	errFactory := errors.New()

	c.mu.Lock()
	defer c.mu.Unlock()

	m, found := c.missions[id]
	if !found {
		return Mission{}, errFactory.WithData(ErrNotFound, id)
	}

	if !canTransition(m.State, to) {
		return Mission{}, errFactory.WithData(ErrInvalidTransition, struct {
			From State
			To   State
		}{m.State, to})
	}

	if m.State == StateQueued && to == StateAborted {
		c.queue.remove(id)
	}

	m.State = to
	if to == StateQueued {
		c.queue.push(m)
	}
	c.persist(m)

	return *m, nil
}

// Abort moves a mission to the terminal aborted state with a reason.
func (c *Catalog) Abort(id, reason string) (Mission, error) {
	errFactory := errors.New()

	c.mu.Lock()
	defer c.mu.Unlock()

	m, found := c.missions[id]
	if !found {
		return Mission{}, errFactory.WithData(ErrNotFound, id)
	}
	if !canTransition(m.State, StateAborted) {
		return Mission{}, errFactory.WithData(ErrInvalidTransition, struct {
			From State
			To   State
		}{m.State, StateAborted})
	}

	if m.State == StateQueued {
		c.queue.remove(id)
	}
	m.State = StateAborted
	m.AbortReason = reason
	c.persist(m)

	return *m, nil
}

// RecordEpoch advances a mission's epoch after its checkpoint is durably
// confirmed. The epoch counter never exceeds the mission's total.
func (c *Catalog) RecordEpoch(id string, epoch int, checkpointRef string) error {
	errFactory := errors.New()

	c.mu.Lock()
	defer c.mu.Unlock()

	m, found := c.missions[id]
	if !found {
		return errFactory.WithData(ErrNotFound, id)
	}
	if epoch < 0 || epoch > m.TotalEpochs {
		return errFactory.WithData(ErrEpochOutOfRange, epoch)
	}

	m.CurrentEpoch = epoch
	m.LastCheckpointRef = checkpointRef
	c.persist(m)

	return nil
}

// RequestCancel flags a mission for cooperative cancellation. A running
// mission observes the flag at its next epoch boundary; a queued mission is
// aborted immediately.
func (c *Catalog) RequestCancel(id string) (Mission, error) {
	errFactory := errors.New()

	c.mu.Lock()
	defer c.mu.Unlock()

	m, found := c.missions[id]
	if !found {
		return Mission{}, errFactory.WithData(ErrNotFound, id)
	}
	if m.State.Terminal() {
		return *m, nil
	}

	m.CancelRequested = true
	if m.State == StateQueued {
		c.queue.remove(id)
		m.State = StateAborted
		m.AbortReason = "canceled"
	}
	c.persist(m)

	return *m, nil
}

// Get returns a copy of the mission with the given id.
func (c *Catalog) Get(id string) (Mission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, found := c.missions[id]
	if !found {
		return Mission{}, errors.New().WithData(ErrNotFound, id)
	}

	return *m, nil
}

// List returns all missions ordered by value score descending, submission
// time ascending.
func (c *Catalog) List() []Mission {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Mission, 0, len(c.missions))
	for _, m := range c.missions {
		out = append(out, *m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ValueScore != out[j].ValueScore {
			return out[i].ValueScore > out[j].ValueScore
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})

	return out
}

// QueueLen returns the number of queued missions.
func (c *Catalog) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.len()
}

func (c *Catalog) persist(m *Mission) {
	if c.repo == nil {
		return
	}
	if err := c.repo.Save(m); err != nil {
		logger.Warn().Err(err).Str("mission", m.ID).Msg("Failed to persist mission snapshot")
	}
}
