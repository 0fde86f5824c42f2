package scheduler

import (
	"context"
	"time"

	"github.com/dig-os/digd/internal/mission"
)

// Progress is the checkpointable state of a mission's training run. It is
// the payload the checkpoint store persists at each epoch boundary.
type Progress struct {
	Epoch    int     `json:"epoch"`
	Accuracy float64 `json:"accuracy"`
	Loss     float64 `json:"loss"`
	Reward   float64 `json:"reward"`
}

// NewProgress is the starting state for a mission with no prior checkpoint.
func NewProgress() Progress {
	return Progress{Accuracy: 0.10, Loss: 1.0}
}

// EpochRunner executes one epoch of a mission. An epoch is the atomic unit
// of work: the runner is never interrupted mid-epoch, and all scheduling
// decisions happen between calls.
type EpochRunner interface {
	RunEpoch(ctx context.Context, m mission.Mission, p Progress, ecoMultiplier float64) (Progress, error)
}

// trainingEngine simulates a training workload: loss decays toward a
// per-domain floor and accuracy rises toward an asymptote as epochs
// progress. Higher-value missions get a shorter per-epoch delay.
type trainingEngine struct {
	epochDelay func(valueScore int) time.Duration
	sleep      func(ctx context.Context, d time.Duration)
}

func NewTrainingEngine() EpochRunner {
	return &trainingEngine{
		epochDelay: func(valueScore int) time.Duration {
			delay := 650*time.Millisecond - time.Duration(valueScore)*time.Millisecond*650/220
			if delay < 150*time.Millisecond {
				delay = 150 * time.Millisecond
			}
			return delay
		},
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
	}
}

func (e *trainingEngine) RunEpoch(ctx context.Context, m mission.Mission, p Progress, ecoMultiplier float64) (Progress, error) {
	difficulty := difficultyForDomain(m.Domain)

	progress := float64(p.Epoch) / float64(max(1, m.TotalEpochs))
	if progress > 1 {
		progress = 1
	}

	targetLoss := 0.02 + difficulty*0.05
	decay := (p.Loss - targetLoss) * (0.14 + progress*0.13)
	if decay < 0.001 {
		decay = 0.001
	}

	next := p
	next.Epoch = p.Epoch + 1
	next.Loss = p.Loss - decay
	if next.Loss < targetLoss {
		next.Loss = targetLoss
	}

	next.Accuracy = p.Accuracy + (1-p.Accuracy)*(0.15+progress*0.18)
	if next.Accuracy > 0.995 {
		next.Accuracy = 0.995
	}

	reward := float64(m.ValueScore) * next.Accuracy * ecoMultiplier
	if reward < 0 {
		reward = 0
	}
	next.Reward = reward

	e.sleep(ctx, e.epochDelay(m.ValueScore))

	return next, ctx.Err()
}

func difficultyForDomain(domain string) float64 {
	switch domain {
	case "medical":
		return 0.9
	case "space":
		return 0.65
	case "render":
		return 0.35
	default:
		return 0.5
	}
}
