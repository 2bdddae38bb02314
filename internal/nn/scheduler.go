package nn

import "go.uber.org/zap"

// PlateauScheduler reduces the optimizer learning rate when the tracked
// metric stops improving, matching reduce-on-plateau semantics with a
// minimization objective.
type PlateauScheduler struct {
	opt      *AdamW
	factor   float64
	patience int
	minLR    float64

	best float64
	bad  int
	seen bool
	log  *zap.Logger
}

// NewPlateauScheduler wraps an optimizer. factor is the multiplicative LR
// decay and patience the number of non-improving epochs tolerated before a
// reduction.
func NewPlateauScheduler(opt *AdamW, factor float64, patience int, minLR float64) *PlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	if patience < 0 {
		patience = 0
	}
	return &PlateauScheduler{
		opt:      opt,
		factor:   factor,
		patience: patience,
		minLR:    minLR,
		log:      zap.L().With(zap.String("component", "scheduler")),
	}
}

// Step records the epoch metric and reduces the learning rate once the
// metric has failed to improve for more than patience epochs.
func (s *PlateauScheduler) Step(metric float64) {
	if !s.seen || metric < s.best {
		s.best = metric
		s.bad = 0
		s.seen = true
		return
	}
	s.bad++
	if s.bad > s.patience {
		old := s.opt.LR()
		next := old * s.factor
		if next < s.minLR {
			next = s.minLR
		}
		if next < old {
			s.opt.SetLR(next)
			s.log.Info("reducing learning rate",
				zap.Float64("old_lr", old),
				zap.Float64("new_lr", next),
				zap.Float64("best_metric", s.best))
		}
		s.bad = 0
	}
}

// SchedulerState is the serializable snapshot used by checkpoints.
type SchedulerState struct {
	Best float64
	Bad  int
	Seen bool
}

// State exports the scheduler state for checkpointing.
func (s *PlateauScheduler) State() SchedulerState {
	return SchedulerState{Best: s.best, Bad: s.bad, Seen: s.seen}
}

// LoadState restores a previously exported snapshot.
func (s *PlateauScheduler) LoadState(st SchedulerState) {
	s.best = st.Best
	s.bad = st.Bad
	s.seen = st.Seen
}
