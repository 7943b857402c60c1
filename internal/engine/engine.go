// Package engine hosts the single-writer owner for all scenario state.
// Every mutation (branch insertion, evidence attachment, posterior and
// outcome writes) happens on one owner goroutine; CPU-bound work (Bayesian
// recomputes, Monte Carlo sampling) runs on a bounded worker pool over
// immutable snapshots and returns deltas through a single merge channel.
// The tree itself therefore needs no locks, and a bad job can never
// corrupt it: deltas are validated as they are applied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scenariolab/hindcast/internal/attach"
	"github.com/scenariolab/hindcast/internal/bayes"
	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/logging"
	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/montecarlo"
	"github.com/scenariolab/hindcast/internal/scenario"
)

// Config holds engine-wide defaults; per-scenario SimulationConfig values
// override them.
type Config struct {
	// Workers bounds the CPU pool. Defaults to runtime.NumCPU.
	Workers int

	// DefaultIterations for simulation requests that do not set one.
	DefaultIterations int

	// SimilarityFloor for automatic attachment.
	SimilarityFloor float64

	// Embed supplies embeddings for automatic attachment; nil falls back
	// to token overlap.
	Embed attach.EmbedFunc

	// Decisions receives belief-update traces. Nil disables tracing.
	Decisions *logging.DecisionLogger
}

// command runs on the owner goroutine with exclusive access to state.
type command func(e *Engine)

// result is a delta coming back from a worker.
type result struct {
	scenarioID string
	branchID   string
	jobID      string
	posteriors map[string]float64
	outcome    *models.OutcomeData
	err        error
}

// Engine is the scheduling bridge between interactive commands, the CPU
// worker pool, and ingestion. All exported methods are safe for concurrent
// use; they hand work to the owner goroutine and wait for its reply.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	attacher *attach.Attacher

	commands chan command
	results  chan result
	slots    chan struct{} // CPU pool semaphore

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Owner-confined state. Never touched off the owner goroutine.
	scenarios map[string]*scenario.Scenario
	jobs      map[string]context.CancelFunc

	mu   sync.Mutex
	subs map[int]chan Event
	nsub int
}

// New starts an engine and its owner goroutine.
func New(cfg Config, log *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.DefaultIterations <= 0 {
		cfg.DefaultIterations = montecarlo.DefaultIterations
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		log:       log,
		attacher:  attach.New(cfg.Embed, cfg.SimilarityFloor),
		commands:  make(chan command),
		results:   make(chan result, cfg.Workers),
		slots:     make(chan struct{}, cfg.Workers),
		baseCtx:   ctx,
		cancel:    cancel,
		scenarios: make(map[string]*scenario.Scenario),
		jobs:      make(map[string]context.CancelFunc),
		subs:      make(map[int]chan Event),
	}

	e.wg.Add(1)
	go e.run()
	return e
}

// run is the owner loop: the single point of mutation.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case cmd := <-e.commands:
			cmd(e)
		case res := <-e.results:
			e.applyResult(res)
		case <-e.baseCtx.Done():
			e.drain()
			return
		}
	}
}

// drain applies any residual worker results so Close does not leak
// goroutines blocked on the results channel.
func (e *Engine) drain() {
	for {
		select {
		case res := <-e.results:
			e.applyResult(res)
		default:
			return
		}
	}
}

// Close stops the owner goroutine, cancels running jobs, and closes all
// subscriber channels.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}

// do runs fn on the owner goroutine and waits for completion.
func (e *Engine) do(fn command) error {
	done := make(chan struct{})
	select {
	case e.commands <- func(e *Engine) {
		fn(e)
		close(done)
	}:
	case <-e.baseCtx.Done():
		return fmt.Errorf("engine closed: %w", context.Canceled)
	}
	<-done
	return nil
}

// Subscribe returns a channel of change notifications. Slow subscribers
// lose events rather than stalling the owner. The returned cancel func
// unsubscribes and closes the channel.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nsub
	e.nsub++
	ch := make(chan Event, 64)
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
	}
}

func (e *Engine) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.log.Warn("dropping event for slow subscriber", "kind", ev.Kind)
		}
	}
}

// CreateScenario registers a new scenario. A parent ID makes it a micro
// scenario feeding that macro scenario.
func (e *Engine) CreateScenario(name string, scale scenario.Scale, parentID string) (string, error) {
	var id string
	var cerr error
	err := e.do(func(e *Engine) {
		s := scenario.New(name, scale)
		if parentID != "" {
			parent, ok := e.scenarios[parentID]
			if !ok {
				cerr = fmt.Errorf("parent scenario %s: %w", parentID, models.ErrNotFound)
				return
			}
			if parent.Scale != scenario.Macro {
				cerr = fmt.Errorf("parent scenario %s is not macro", parentID)
				return
			}
			s.Parent = parentID
			parent.AddSubScenario(s.ID)
		}
		e.scenarios[s.ID] = s
		id = s.ID
		e.publish(Event{Kind: EventScenarioCreated, ScenarioID: s.ID})
	})
	if err != nil {
		return "", err
	}
	return id, cerr
}

// DeleteScenario removes a scenario explicitly. This is the only way a
// scenario dies; low probability never deletes anything.
func (e *Engine) DeleteScenario(id string) error {
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[id]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", id, models.ErrNotFound)
			return
		}
		if s.Parent != "" {
			if parent, ok := e.scenarios[s.Parent]; ok {
				for i, sub := range parent.SubScenarios {
					if sub == id {
						parent.SubScenarios = append(parent.SubScenarios[:i], parent.SubScenarios[i+1:]...)
						break
					}
				}
			}
		}
		delete(e.scenarios, id)
	})
	if err != nil {
		return err
	}
	return cerr
}

// CreateBranch inserts a hypothesis under parentBranchID. The origin tier
// (manual, template, script, compiled) is logged but otherwise ignored:
// every authoring surface produces the same command.
func (e *Engine) CreateBranch(scenarioID, parentBranchID, label, description string, prior float64, origin BranchOrigin, autoRenormalize bool) (string, error) {
	var id string
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		node := branch.NewNode(label, description, prior)
		id, cerr = s.Tree.Insert(parentBranchID, node, autoRenormalize)
		if cerr == nil {
			e.log.Debug("branch created",
				"scenario", scenarioID, "branch", id, "origin", string(origin))
		}
	})
	if err != nil {
		return "", err
	}
	return id, cerr
}

// AddEvidence stages evidence into a scenario's pool without linking it.
func (e *Engine) AddEvidence(scenarioID string, ev *models.Evidence) error {
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		s.AddEvidence(ev)
	})
	if err != nil {
		return err
	}
	return cerr
}

// AttachEvidence links pooled evidence to a branch and schedules a
// Bayesian recompute for the affected branch. Attachments for different
// branches may be computed in parallel; deltas are applied in arrival
// order, and recomputation is idempotent, so a same-branch race
// self-corrects on the next pass.
func (e *Engine) AttachEvidence(scenarioID, branchID, evidenceID string, mode models.AttachmentMode, relevance, ratio float64) error {
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		cerr = s.AttachEvidence(branchID, evidenceID, models.EvidenceLink{
			Mode:            mode,
			RelevanceScore:  relevance,
			LikelihoodRatio: ratio,
		})
		if cerr != nil {
			return
		}
		e.publish(Event{
			Kind:       EventEvidenceAttached,
			ScenarioID: scenarioID,
			BranchID:   branchID,
			EvidenceID: evidenceID,
		})
		e.scheduleRecompute(s, branchID)
	})
	if err != nil {
		return err
	}
	return cerr
}

// scheduleRecompute snapshots the tree and dispatches a Bayesian update to
// the CPU pool. Owner-confined.
func (e *Engine) scheduleRecompute(s *scenario.Scenario, branchID string) {
	snap := s.Tree.Snapshot()
	cfg := bayes.Config{Aggregator: s.Config.Aggregator}
	if cfg.Aggregator == "" {
		cfg.Aggregator = bayes.AggregateNoisyOR
	}
	scenarioID := s.ID

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-e.baseCtx.Done():
			return
		}
		delta, err := bayes.Recompute(snap, branchID, cfg)
		select {
		case e.results <- result{scenarioID: scenarioID, branchID: branchID, posteriors: delta.Posteriors, err: err}:
		case <-e.baseCtx.Done():
		}
	}()
}

// RequestSimulation dispatches a Monte Carlo run over the subtree rooted
// at rootBranchID and returns a cancellable job ID. The outcome arrives as
// a SimulationComplete event and is written to the branch.
func (e *Engine) RequestSimulation(scenarioID, rootBranchID string, iterations int, seed int64) (string, error) {
	var jobID string
	var cerr error
	err := e.do(func(e *Engine) {
		s, ok := e.scenarios[scenarioID]
		if !ok {
			cerr = fmt.Errorf("scenario %s: %w", scenarioID, models.ErrNotFound)
			return
		}
		if _, cerr = s.Tree.Node(rootBranchID); cerr != nil {
			return
		}

		if iterations <= 0 {
			iterations = s.Config.Iterations
		}
		if iterations <= 0 {
			iterations = e.cfg.DefaultIterations
		}
		if seed == 0 {
			if s.Config.Seed != 0 {
				seed = s.Config.Seed
			} else {
				seed = time.Now().UnixNano()
			}
		}

		jobID = uuid.New().String()
		jobCtx, cancel := context.WithCancel(e.baseCtx)
		e.jobs[jobID] = cancel

		snap := s.Tree.Snapshot()
		cfg := montecarlo.Config{Iterations: iterations, Seed: seed, Workers: e.cfg.Workers}
		scenarioID := s.ID
		id := jobID

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case e.slots <- struct{}{}:
				defer func() { <-e.slots }()
			case <-jobCtx.Done():
				e.sendResult(result{scenarioID: scenarioID, branchID: rootBranchID, jobID: id,
					err: fmt.Errorf("job %s: %w", id, models.ErrSimulationCancelled)})
				return
			}
			outcome, err := montecarlo.Run(jobCtx, snap, rootBranchID, cfg)
			e.sendResult(result{scenarioID: scenarioID, branchID: rootBranchID, jobID: id, outcome: outcome, err: err})
		}()
	})
	if err != nil {
		return "", err
	}
	return jobID, cerr
}

func (e *Engine) sendResult(res result) {
	select {
	case e.results <- res:
	case <-e.baseCtx.Done():
	}
}

// CancelSimulation aborts a running job. Partial samples are discarded.
func (e *Engine) CancelSimulation(jobID string) error {
	var cerr error
	err := e.do(func(e *Engine) {
		cancel, ok := e.jobs[jobID]
		if !ok {
			cerr = fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
			return
		}
		cancel()
	})
	if err != nil {
		return err
	}
	return cerr
}

// applyResult merges one worker delta into the live tree. This runs on the
// owner goroutine; it is the only place posteriors and outcomes are
// written.
func (e *Engine) applyResult(res result) {
	if res.jobID != "" {
		if cancel, ok := e.jobs[res.jobID]; ok {
			cancel()
			delete(e.jobs, res.jobID)
		}
	}
	if res.err != nil {
		if errors.Is(res.err, models.ErrSimulationCancelled) {
			e.log.Info("simulation cancelled", "scenario", res.scenarioID, "job", res.jobID)
			e.publish(Event{Kind: EventSimulationCancelled, ScenarioID: res.scenarioID, JobID: res.jobID})
			return
		}
		e.log.Error("worker failed", "scenario", res.scenarioID, "err", res.err)
		return
	}

	s, ok := e.scenarios[res.scenarioID]
	if !ok {
		// Scenario deleted while the job ran: drop the delta.
		return
	}

	if res.posteriors != nil {
		for id, p := range res.posteriors {
			var before float64
			if n, err := s.Tree.Node(id); err == nil {
				before = n.Probability()
			}
			if err := s.Tree.SetPosterior(id, p); err != nil {
				e.log.Warn("stale posterior delta", "branch", id, "err", err)
				continue
			}
			e.cfg.Decisions.LogBeliefUpdate(s.ID, id, res.branchID, before, p)
			e.publish(Event{
				Kind:         EventBranchUpdated,
				ScenarioID:   s.ID,
				BranchID:     id,
				NewPosterior: p,
			})
		}
		s.Tree.RecomputeCollapse()
		e.maybePropagate(s)
	}

	if res.outcome != nil {
		if err := s.Tree.SetOutcome(res.branchID, res.outcome); err != nil {
			e.log.Warn("stale outcome delta", "branch", res.branchID, "err", err)
			return
		}
		top, _ := res.outcome.TopOutcome()
		e.cfg.Decisions.LogSimulation(s.ID, res.branchID, res.jobID, top, res.outcome.SampleCount)
		e.publish(Event{
			Kind:       EventSimulationComplete,
			ScenarioID: s.ID,
			BranchID:   res.branchID,
			JobID:      res.jobID,
			Outcome:    res.outcome,
		})
	}
}

// maybePropagate crosses a micro scenario's finding into its parent when
// the top posterior has moved past the configured delta. Owner-confined.
func (e *Engine) maybePropagate(s *scenario.Scenario) {
	if s.Parent == "" || !scenario.ShouldPropagate(s) {
		return
	}
	parent, ok := e.scenarios[s.Parent]
	if !ok {
		return
	}
	ev, err := scenario.Propagate(parent, s)
	if err != nil {
		e.log.Warn("micro propagation failed", "micro", s.ID, "macro", parent.ID, "err", err)
		return
	}
	e.log.Info("micro finding propagated", "micro", s.ID, "macro", parent.ID, "evidence", ev.ID)
	e.cfg.Decisions.LogPropagation(s.ID, parent.ID, ev.ID, s.LastPropagatedTop)
	if branchID, ok := parent.Config.MicroMappings[s.ID]; ok {
		e.publish(Event{
			Kind:       EventEvidenceAttached,
			ScenarioID: parent.ID,
			BranchID:   branchID,
			EvidenceID: ev.ID,
		})
		e.scheduleRecompute(parent, branchID)
	}
}
