// Package learning records query trajectories and periodically adapts the
// ranking weights from their outcomes.
//
// A trajectory is opened with Begin, accumulates steps with RecordStep and
// is closed with End. Closed trajectories queue until Tick consumes them:
// Tick clusters the queue into patterns, nudges a bounded micro delta per
// pattern, and every few working ticks consolidates that delta into the
// long-lived base weights.
package learning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/logger"
	"github.com/lazypower/cogmem/internal/memerr"
	"github.com/lazypower/cogmem/internal/store"
)

type (
	Trajectory = store.Trajectory
	Step       = store.Step
)

const stateKey = "learner"

// State is the persistent counter set of a learner.
type State struct {
	TrajectoriesRecorded int       `json:"trajectoriesRecorded"`
	PatternsLearned      int       `json:"patternsLearned"`
	MicroUpdateCount     int       `json:"microUpdateCount"`
	BaseUpdateCount      int       `json:"baseUpdateCount"`
	ConsolidationCount   int       `json:"consolidationCount"`
	WorkingTicks         int       `json:"workingTicks"`
	RewardBaseline       float64   `json:"rewardBaseline"`
	LastTickAt           time.Time `json:"lastTickAt,omitzero"`
}

// Stats is State plus derived and queue figures.
type Stats struct {
	State
	LearningEfficiency float64 `json:"learningEfficiency"`
	Open               int     `json:"openTrajectories"`
	Queued             int     `json:"queuedTrajectories"`
	Weights            Weights `json:"weights"`
}

// Result describes one tick. A NoOp result changed nothing.
type Result struct {
	NoOp          bool    `json:"noOp,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	PatternsFound int     `json:"patternsFound"`
	AvgReward     float64 `json:"avgReward"`
	Consumed      int     `json:"consumed"`
	Consolidated  bool    `json:"consolidated,omitempty"`
	Weights       Weights `json:"weights"`
}

type savedState struct {
	State  State    `json:"state"`
	Routes []string `json:"routes"`
	Params *params  `json:"params"`
}

// Learner owns the trajectory queue and the learned weights.
type Learner struct {
	tickLock chan struct{}

	mu     sync.Mutex // guards open, closed, state and db writes
	open   map[string]*Trajectory
	closed []*Trajectory
	state  State

	wmu    sync.RWMutex
	params *params

	routes []string
	cfg    config.LearningConfig
	db     *store.DB
	logger *slog.Logger
	now    func() time.Time
}

// New returns a learner seeded with vectorWeight. When db is non-nil,
// pending trajectories and previously learned weights are restored from it
// and every change is written through.
func New(db *store.DB, cfg config.LearningConfig, vectorWeight float64, log *slog.Logger) (*Learner, error) {
	routes := slices.Clone(cfg.Routes)
	if len(routes) == 0 {
		routes = slices.Clone(config.Default().Learning.Routes)
	}
	l := &Learner{
		tickLock: make(chan struct{}, 1),
		open:     map[string]*Trajectory{},
		params:   newParams(1+len(routes), vectorWeight),
		routes:   routes,
		cfg:      cfg,
		db:       db,
		logger:   logger.OrNop(log).With("component", "learning"),
		now:      time.Now,
	}
	if db == nil {
		return l, nil
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Learner) load() error {
	var saved savedState
	found, err := l.db.LoadState(stateKey, &saved)
	if err != nil {
		return err
	}
	if found {
		l.state = saved.State
		if slices.Equal(saved.Routes, l.routes) && saved.Params != nil && saved.Params.valid(1+len(l.routes)) {
			l.params = saved.Params
		} else {
			l.logger.Warn("route set changed, discarding learned weights", "saved", saved.Routes, "configured", l.routes)
		}
	}

	pending, err := l.db.PendingTrajectories()
	if err != nil {
		return err
	}
	for i := range pending {
		t := &pending[i]
		if t.Status == store.StatusOpen {
			l.open[t.ID] = t
		} else {
			l.closed = append(l.closed, t)
		}
	}
	l.logger.Debug("restored learner", "open", len(l.open), "queued", len(l.closed))
	return nil
}

// Routes returns the configured route names.
func (l *Learner) Routes() []string { return slices.Clone(l.routes) }

func (l *Learner) knownRoute(r string) bool { return slices.Contains(l.routes, r) }

// Begin opens a new trajectory and returns its id.
func (l *Learner) Begin() (string, error) {
	t := &Trajectory{
		ID:        uuid.NewString(),
		Status:    store.StatusOpen,
		CreatedAt: l.now(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		if err := l.db.CreateTrajectory(t); err != nil {
			return "", err
		}
	}
	l.open[t.ID] = t
	return t.ID, nil
}

func (l *Learner) openTrajectory(id string) (*Trajectory, error) {
	if t, ok := l.open[id]; ok {
		return t, nil
	}
	for _, t := range l.closed {
		if t.ID == id {
			return nil, memerr.Validation("trajectory %s is already closed", id)
		}
	}
	return nil, memerr.NotFound("trajectory", id)
}

// RecordStep appends a step to an open trajectory.
func (l *Learner) RecordStep(id string, step Step) error {
	if !l.knownRoute(step.Route) {
		return memerr.Validation("unknown route %q (known: %v)", step.Route, l.routes)
	}
	if step.At.IsZero() {
		step.At = l.now()
	}
	step.Embedding = slices.Clone(step.Embedding)

	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.openTrajectory(id)
	if err != nil {
		return err
	}
	if l.db != nil {
		if err := l.db.AppendStep(id, len(t.Steps), step); err != nil {
			return err
		}
	}
	t.Steps = append(t.Steps, step)
	return nil
}

// End closes a trajectory with a reward in [-1,1] and queues it for the
// next tick.
func (l *Learner) End(id string, reward float64) error {
	if math.IsNaN(reward) || reward < -1 || reward > 1 {
		return memerr.Validation("reward must be in [-1,1], got %g", reward)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.openTrajectory(id)
	if err != nil {
		return err
	}
	at := l.now()
	if l.db != nil {
		if err := l.db.CloseTrajectory(id, reward, at); err != nil {
			return err
		}
	}
	delete(l.open, id)
	t.Status = store.StatusClosed
	t.Reward = reward
	t.ClosedAt = at
	l.closed = append(l.closed, t)
	l.state.TrajectoriesRecorded++
	if l.db != nil {
		l.wmu.RLock()
		err := l.db.SaveState(stateKey, savedState{State: l.state, Routes: l.routes, Params: l.params})
		l.wmu.RUnlock()
		if err != nil {
			l.logger.Warn("persist learning counters", "err", err)
		}
	}
	return nil
}

func (l *Learner) acquireTick(ctx context.Context) error {
	select {
	case l.tickLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &memerr.ConcurrencyConflictError{Resource: "learning tick", Cause: ctx.Err()}
	}
}

func (l *Learner) releaseTick() { <-l.tickLock }

// Tick consumes the closed-trajectory queue. Below the configured threshold
// and without force it returns a NoOp result and changes nothing. Only one
// tick runs at a time; a caller whose ctx ends while waiting for another tick
// gets a ConcurrencyConflictError.
func (l *Learner) Tick(ctx context.Context, force bool) (*Result, error) {
	if err := l.acquireTick(ctx); err != nil {
		return nil, err
	}
	defer l.releaseTick()

	l.mu.Lock()
	queued := len(l.closed)
	if queued == 0 || (!force && queued < l.cfg.Threshold) {
		l.mu.Unlock()
		reason := fmt.Sprintf("%d closed trajectories queued, threshold is %d", queued, l.cfg.Threshold)
		if queued == 0 {
			reason = "no closed trajectories queued"
		}
		return &Result{NoOp: true, Reason: reason, Weights: l.Weights()}, nil
	}
	batch := slices.Clone(l.closed)
	state := l.state
	l.mu.Unlock()

	l.wmu.RLock()
	next := l.params.clone()
	l.wmu.RUnlock()

	patterns := cluster(batch, state.RewardBaseline, l.cfg.ClusterThreshold)
	var rewardSum float64
	for _, t := range batch {
		rewardSum += t.Reward
	}
	for _, p := range patterns {
		adv := p.avgReward() - state.RewardBaseline
		next.applyMicro(gradient(p, l.routes, adv), l.cfg.LearningRate, l.cfg.EMABeta, l.cfg.MaxMicroStep, l.cfg.MaxMicroNorm)
		state.MicroUpdateCount++
	}
	state.PatternsLearned += len(patterns)
	state.WorkingTicks++
	state.RewardBaseline = l.cfg.EMABeta*state.RewardBaseline + (1-l.cfg.EMABeta)*(rewardSum/float64(len(batch)))
	state.LastTickAt = l.now()

	every := max(l.cfg.ConsolidateEvery, 1)
	consolidated := state.WorkingTicks%every == 0
	if consolidated {
		if next.consolidate(l.cfg.EWCLambda, l.cfg.ImportanceDecay) {
			state.BaseUpdateCount++
		}
		state.ConsolidationCount++
	}

	ids := make([]string, len(batch))
	for i, t := range batch {
		ids[i] = t.ID
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// End may have run while the batch was being processed.
	state.TrajectoriesRecorded = l.state.TrajectoriesRecorded
	if l.db != nil {
		if err := l.db.ArchiveTrajectories(ids, l.cfg.Archive, state.LastTickAt); err != nil {
			return nil, err
		}
		if err := l.db.SaveState(stateKey, savedState{State: state, Routes: l.routes, Params: next}); err != nil {
			return nil, err
		}
	}
	l.closed = slices.Delete(l.closed, 0, len(batch))
	l.state = state

	l.wmu.Lock()
	l.params = next
	l.wmu.Unlock()

	res := &Result{
		PatternsFound: len(patterns),
		AvgReward:     rewardSum / float64(len(batch)),
		Consumed:      len(batch),
		Consolidated:  consolidated,
		Weights:       l.Weights(),
	}
	l.logger.Info("learning tick",
		"patterns", res.PatternsFound, "consumed", res.Consumed,
		"avg_reward", res.AvgReward, "consolidated", consolidated,
		"vector_weight", res.Weights.VectorWeight)
	return res, nil
}

// VectorWeight returns the active learned vector weight.
func (l *Learner) VectorWeight() float64 {
	l.wmu.RLock()
	defer l.wmu.RUnlock()
	return l.params.active()[0]
}

// PreferredRoute returns the route with the highest active preference. Ties
// go to the route configured first.
func (l *Learner) PreferredRoute() string {
	l.wmu.RLock()
	theta := l.params.active()
	l.wmu.RUnlock()

	best := 0
	for i := 1; i < len(l.routes); i++ {
		if theta[1+i] > theta[1+best] {
			best = i
		}
	}
	return l.routes[best]
}

// Weights returns a snapshot of the active weights.
func (l *Learner) Weights() Weights {
	l.wmu.RLock()
	theta := l.params.active()
	l.wmu.RUnlock()

	w := Weights{VectorWeight: theta[0], Routes: make(map[string]float64, len(l.routes))}
	for i, r := range l.routes {
		w.Routes[r] = theta[1+i]
	}
	return w
}

// Stats returns the learner's counters and queue sizes.
func (l *Learner) Stats() Stats {
	l.mu.Lock()
	st := Stats{State: l.state, Open: len(l.open), Queued: len(l.closed)}
	l.mu.Unlock()
	if st.TrajectoriesRecorded > 0 {
		st.LearningEfficiency = float64(st.PatternsLearned) / float64(st.TrajectoriesRecorded)
	}
	st.Weights = l.Weights()
	return st
}
