// Package scheduler walks the job DAG for one pipeline run: it dispatches
// runnable jobs to a bounded worker pool, applies retry and allow_failure
// policy, cascades skips below terminal failures, and holds manual gates
// until an explicit play event. All status transitions serialize through a
// single event loop, so no two completion handlers ever race on run state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/internal/cache"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/ctxlog"
	"github.com/conveyor-ci/conveyor/internal/dag"
	"github.com/conveyor-ci/conveyor/internal/environ"
	"github.com/conveyor-ci/conveyor/internal/trigger"
)

// ErrRunFinished is returned by Play once the run has completed.
var ErrRunFinished = errors.New("scheduler: run already finished")

// DefaultWorkers bounds concurrent job execution when no limit is given.
const DefaultWorkers = 4

// Options tunes one scheduler instance.
type Options struct {
	// Workers is the max number of concurrently executing jobs.
	Workers int
	// WorkDir is the base directory; each job executes in its own
	// subdirectory of it.
	WorkDir string
	// Metrics is optional; nil records nothing.
	Metrics *Metrics
}

type eventKind int

const (
	evCompleted eventKind = iota
	evPlay
)

type event struct {
	kind eventKind
	node *dag.Node
	res  *Result
	job  string
	resp chan error
}

// Scheduler owns the DAG and per-job statuses of exactly one pipeline run.
type Scheduler struct {
	graph   *dag.Graph
	pipe    *config.Pipeline
	tc      *trigger.Context
	adapter environ.Adapter
	store   *cache.Store
	opts    Options

	events chan event
	ready  chan *dag.Node
	done   chan struct{}

	// played marks gated nodes promoted before their upstreams finished.
	played map[string]bool

	mu      sync.RWMutex
	results map[string]*Result
}

// New wires a scheduler for one run. The cache store may be nil for
// cacheless execution.
func New(g *dag.Graph, p *config.Pipeline, tc *trigger.Context, adapter environ.Adapter, store *cache.Store, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	n := len(g.Nodes)
	return &Scheduler{
		graph:   g,
		pipe:    p,
		tc:      tc,
		adapter: adapter,
		store:   store,
		opts:    opts,
		events:  make(chan event, n+16),
		ready:   make(chan *dag.Node, n),
		done:    make(chan struct{}),
		played:  make(map[string]bool),
		results: make(map[string]*Result, n),
	}
}

// Run executes the graph to completion and returns the run summary. The
// returned error is non-nil only for an external abort; a run that merely
// contains failed jobs reports Status failed with a nil error.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	logger := ctxlog.FromContext(ctx)
	started := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < s.opts.Workers; i++ {
		go s.worker(ctx, i)
	}
	logger.Debug("Scheduler started.", "workers", s.opts.Workers, "nodes", len(s.graph.Nodes))

	// remaining counts nodes whose disposition is still open. Parking a
	// manual gate closes its disposition; playing it reopens it.
	remaining := len(s.graph.Nodes)
	for _, root := range s.graph.Roots() {
		if root.Gate {
			s.park(ctx, root)
			remaining--
			continue
		}
		s.dispatch(ctx, root)
	}

	aborted := false
loop:
	for remaining > 0 {
		select {
		case <-ctx.Done():
			aborted = true
			break loop
		case ev := <-s.events:
			switch ev.kind {
			case evCompleted:
				remaining += s.onCompleted(ctx, ev.node, ev.res)
				remaining--
			case evPlay:
				ev.resp <- s.onPlay(ctx, ev.job, &remaining)
			}
		}
	}

	if aborted {
		s.abort(ctx)
	}

	close(s.ready)
	close(s.done)

	summary := s.Snapshot()
	s.opts.Metrics.runFinished(time.Since(started))
	logger.Info("Run finished.", "run_id", s.tc.RunID, "status", summary.Status, "duration", time.Since(started))

	if aborted {
		return summary, fmt.Errorf("run aborted: %w", context.Cause(ctx))
	}
	return summary, nil
}

// Play delivers an external trigger for a manually gated job. It is safe to
// call from any goroutine while the run is live.
func (s *Scheduler) Play(job string) error {
	resp := make(chan error, 1)
	select {
	case <-s.done:
		return ErrRunFinished
	case s.events <- event{kind: evPlay, job: job, resp: resp}:
	}
	select {
	case <-s.done:
		return ErrRunFinished
	case err := <-resp:
		return err
	}
}

// Snapshot returns the current run summary; usable while the run is live.
func (s *Scheduler) Snapshot() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &Summary{RunID: s.tc.RunID, Status: StatusSucceeded}
	finished := true
	for _, name := range s.pipe.JobNames() {
		n, ok := s.graph.Nodes[name]
		if !ok {
			continue
		}
		state := n.State()
		res := s.results[name]
		if res == nil {
			res = &Result{Job: name, Stage: n.Job.Stage, Status: state.String()}
		}
		if state == dag.Failed {
			summary.Status = StatusFailed
		}
		if !state.Terminal() && state != dag.Gated {
			finished = false
		}
		summary.Jobs = append(summary.Jobs, res)
	}
	if !finished && summary.Status != StatusFailed {
		summary.Status = StatusRunning
	}
	return summary
}

// onCompleted folds one terminal job result into run state and returns the
// net change to the open-disposition count from unparking or parking.
func (s *Scheduler) onCompleted(ctx context.Context, n *dag.Node, res *Result) int {
	logger := ctxlog.FromContext(ctx)
	s.record(res)
	s.opts.Metrics.jobFinished(res.Status)

	state := n.State()
	logger.Debug("Job reached terminal state.", "job", n.Name(), "status", res.Status, "attempts", res.Attempts)

	delta := 0
	if state.Satisfies() {
		for _, depName := range n.Downstream() {
			d := s.graph.Nodes[depName]
			if d.DecrementDepCount() != 0 || d.State() != dag.Pending {
				continue
			}
			if d.Gate && !s.played[d.Name()] {
				s.park(ctx, d)
				delta--
				continue
			}
			s.dispatch(ctx, d)
		}
		return delta
	}

	// Terminal failure without allow_failure: everything downstream is
	// unreachable and skips, transitively.
	return delta + s.skipDependents(ctx, n)
}

// skipDependents cascades Skipped through the subgraph below a failed node,
// returning the (negative) change to the open-disposition count.
func (s *Scheduler) skipDependents(ctx context.Context, n *dag.Node) int {
	logger := ctxlog.FromContext(ctx)
	delta := 0
	for _, depName := range n.Downstream() {
		d := s.graph.Nodes[depName]
		wasParked := d.State() == dag.Gated
		if !d.Skip() {
			continue
		}
		logger.Debug("Skipping job: upstream failed.", "job", d.Name(), "failed_upstream", n.Name())
		s.record(&Result{Job: d.Name(), Stage: d.Job.Stage, Status: dag.Skipped.String(), Reason: ReasonUpstreamFailed})
		s.opts.Metrics.jobFinished(dag.Skipped.String())
		if !wasParked {
			delta--
		}
		delta += s.skipDependents(ctx, d)
	}
	return delta
}

// onPlay promotes a gated job. Called only from the event loop.
func (s *Scheduler) onPlay(ctx context.Context, job string, remaining *int) error {
	n, ok := s.graph.Nodes[job]
	if !ok {
		return fmt.Errorf("no such job in this run: %q", job)
	}
	if !n.Gate {
		return fmt.Errorf("job %q is not manually gated", job)
	}
	switch n.State() {
	case dag.Gated:
		*remaining++
		s.dispatch(ctx, n)
		return nil
	case dag.Pending:
		// Upstreams still outstanding; remember the trigger and promote
		// the moment they are satisfied.
		s.played[job] = true
		return nil
	default:
		return fmt.Errorf("job %q already %s", job, n.State())
	}
}

// park holds a manual-gate node whose upstreams are satisfied. It stays
// Gated until played; the run does not wait for it.
func (s *Scheduler) park(ctx context.Context, n *dag.Node) {
	n.SetState(dag.Gated)
	s.record(&Result{Job: n.Name(), Stage: n.Job.Stage, Status: dag.Gated.String()})
	ctxlog.FromContext(ctx).Info("Job waiting for manual trigger.", "job", n.Name())
}

// dispatch hands a node to the worker pool. The ready channel is sized to
// the node count, so this never blocks the event loop.
func (s *Scheduler) dispatch(ctx context.Context, n *dag.Node) {
	n.SetState(dag.Runnable)
	ctxlog.FromContext(ctx).Debug("Job runnable.", "job", n.Name())
	s.ready <- n
}

// abort settles every open node after an external cancellation: nodes that
// never started skip immediately, and the event loop drains until in-flight
// workers have reported in.
func (s *Scheduler) abort(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	logger.Warn("Run aborted; terminating outstanding jobs.", "run_id", s.tc.RunID)

	for _, name := range s.pipe.JobNames() {
		n, ok := s.graph.Nodes[name]
		if !ok {
			continue
		}
		if state := n.State(); state == dag.Pending || state == dag.Gated {
			if n.Skip() {
				s.record(&Result{Job: name, Stage: n.Job.Stage, Status: dag.Skipped.String(), Reason: ReasonCanceled})
			}
		}
	}

	// Runnable nodes are skipped by workers on pickup; Running ones fail
	// once the adapter observes cancellation. Both report back here.
	for s.inFlight() > 0 {
		ev := <-s.events
		switch ev.kind {
		case evCompleted:
			s.record(ev.res)
		case evPlay:
			ev.resp <- ErrRunFinished
		}
	}
}

func (s *Scheduler) inFlight() int {
	count := 0
	for _, n := range s.graph.Nodes {
		if state := n.State(); state == dag.Runnable || state == dag.Running {
			count++
		}
	}
	return count
}

func (s *Scheduler) record(res *Result) {
	s.mu.Lock()
	s.results[res.Job] = res
	s.mu.Unlock()
}
